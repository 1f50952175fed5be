package edge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/minerguard/pkg/device"
	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/rs/zerolog"
)

// Channel is the server side of the device channel. *device.Service
// implements it in-process; a transport client would implement it remotely.
type Channel interface {
	FetchEnvelope(deviceID, token, minerID string) (*device.EnvelopeResponse, error)
	AcceptCounter(deviceID, token, minerID string, counter uint64) error
}

// Config identifies the collector to the server and to its keystore
type Config struct {
	DeviceID string
	Token    string
	KeyName  string
}

// Unsealed is an opened credential
type Unsealed struct {
	MinerID    string
	KeyVersion int
	Counter    uint64
	Plaintext  []byte
}

// Collector is the edge side of mode 3. It holds the device's private keys,
// one per key version, after they are unlocked from the keystore.
type Collector struct {
	cfg        Config
	keystore   *security.Keystore
	watermarks *security.Watermarks
	logger     zerolog.Logger

	mu   sync.RWMutex
	keys map[int]*security.DeviceKey
}

// NewCollector creates a locked collector
func NewCollector(cfg Config, keystore *security.Keystore) *Collector {
	return &Collector{
		cfg:        cfg,
		keystore:   keystore,
		watermarks: security.NewWatermarks(),
		logger:     log.WithDeviceID(cfg.DeviceID),
		keys:       make(map[int]*security.DeviceKey),
	}
}

// Unlock loads every stored key version with passphrase
func (c *Collector) Unlock(passphrase string) error {
	latest, err := c.keystore.LatestVersion(c.cfg.KeyName)
	if err != nil {
		return err
	}

	loaded := make(map[int]*security.DeviceKey, latest)
	for v := 1; v <= latest; v++ {
		key, err := c.keystore.Load(c.cfg.KeyName, v, passphrase)
		if errors.Is(err, security.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			for _, k := range loaded {
				k.Close()
			}
			return fmt.Errorf("failed to unlock key version %d: %w", v, err)
		}
		loaded[v] = key
	}

	c.mu.Lock()
	for _, k := range c.keys {
		k.Close()
	}
	c.keys = loaded
	c.mu.Unlock()

	c.logger.Info().
		Str("key_name", c.cfg.KeyName).
		Int("versions", len(loaded)).
		Msg("Collector unlocked")
	return nil
}

// Locked reports whether no key is loaded
func (c *Collector) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) == 0
}

// Close wipes all loaded private keys
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for v, k := range c.keys {
		k.Close()
		delete(c.keys, v)
	}
}

// SeedWatermark raises the local anti-rollback watermark for a miner
func (c *Collector) SeedWatermark(minerID string, last uint64) {
	c.watermarks.Seed(minerID, last)
}

// Unseal opens an envelope with the key of its own version and advances the
// local watermark. A wrong key, a tampered envelope or a missing key version
// fail with ErrDecryptionFailed; a stale counter fails with an anti-rollback
// error after authentication.
func (c *Collector) Unseal(minerID, encoded string) (*Unsealed, error) {
	env, err := security.ParseEnvelope(encoded)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, ok := c.keys[env.KeyVersion]
	c.mu.RUnlock()
	if !ok {
		metrics.DecryptionFailuresTotal.WithLabelValues("3").Inc()
		return nil, fmt.Errorf("no key loaded for version %d: %w", env.KeyVersion, types.ErrDecryptionFailed)
	}

	plaintext, err := key.OpenCredential(env)
	if err != nil {
		metrics.DecryptionFailuresTotal.WithLabelValues("3").Inc()
		c.logger.Warn().
			Str("miner_id", minerID).
			Int("key_version", env.KeyVersion).
			Msg("Failed to open sealed credential")
		return nil, err
	}

	if err := c.watermarks.Advance(minerID, env.Counter); err != nil {
		security.Zero(plaintext)
		metrics.AntiRollbackRejectionsTotal.Inc()
		return nil, err
	}

	return &Unsealed{
		MinerID:    minerID,
		KeyVersion: env.KeyVersion,
		Counter:    env.Counter,
		Plaintext:  plaintext,
	}, nil
}

// Retrieve runs the full edge unseal flow for one miner: fetch the envelope
// over the device channel, open it locally, then have the server accept the
// counter. The plaintext is returned only when the server accepted it.
func (c *Collector) Retrieve(ch Channel, minerID string) (*Unsealed, error) {
	resp, err := ch.FetchEnvelope(c.cfg.DeviceID, c.cfg.Token, minerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch envelope: %w", err)
	}
	c.SeedWatermark(minerID, resp.LastAcceptedCounter)

	unsealed, err := c.Unseal(minerID, resp.Envelope)
	if err != nil {
		return nil, err
	}

	if err := ch.AcceptCounter(c.cfg.DeviceID, c.cfg.Token, minerID, unsealed.Counter); err != nil {
		security.Zero(unsealed.Plaintext)
		return nil, err
	}

	c.logger.Debug().
		Str("miner_id", minerID).
		Uint64("counter", unsealed.Counter).
		Msg("Credential unsealed")
	return unsealed, nil
}
