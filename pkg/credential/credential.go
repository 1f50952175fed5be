package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/rs/zerolog"
)

// FingerprintLength is the number of hex characters kept from the SHA-256 digest
const FingerprintLength = 16

// Encoded is a credential in its stored form
type Encoded struct {
	Value       string
	Mode        types.IPMode
	Fingerprint string
}

// DisplayView is what a UI may show for a stored credential
type DisplayView struct {
	Mode   types.IPMode   `json:"mode"`
	Masked bool           `json:"masked"`
	Fields map[string]any `json:"fields,omitempty"`
	Note   string         `json:"note,omitempty"`
}

// SealTarget is the device a credential is sealed to when migrating into mode 3
type SealTarget struct {
	PublicKey  []byte
	KeyVersion int
	Counter    uint64
}

// Service encodes, reveals and migrates credentials per protection mode
type Service struct {
	envelope *security.Envelope
	logger   zerolog.Logger
}

// NewService creates a credential service. envelope may be nil when no site
// uses mode 2; mode 2 calls then fail with a validation error.
func NewService(envelope *security.Envelope) *Service {
	return &Service{
		envelope: envelope,
		logger:   log.WithComponent("credential"),
	}
}

// Fingerprint returns a truncated SHA-256 of data
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// Store encodes input under mode. For modes 1 and 2 input is the plaintext
// credential. For mode 3 input is the client-sealed envelope, stored verbatim.
func (s *Service) Store(input []byte, mode types.IPMode, site *types.Site) (*Encoded, error) {
	if len(input) == 0 {
		return nil, types.NewValidationError("credential", "credential cannot be empty")
	}

	switch mode {
	case types.IPModeMasking:
		if security.IsEnvelopeToken(string(input)) || security.IsSealedEnvelope(string(input)) {
			return nil, types.NewValidationError("credential", "mode 1 credential must be plaintext")
		}
		return &Encoded{Value: string(input), Mode: mode, Fingerprint: Fingerprint(input)}, nil

	case types.IPModeServerEnvelope:
		wrapped, err := s.siteDEK(site)
		if err != nil {
			return nil, err
		}
		token, err := s.envelope.Encrypt(wrapped, input)
		if err != nil {
			s.recordDecryptFailure(mode, err)
			return nil, fmt.Errorf("failed to encrypt credential: %w", err)
		}
		return &Encoded{Value: token, Mode: mode, Fingerprint: Fingerprint(input)}, nil

	case types.IPModeDeviceE2EE:
		if _, err := security.ParseEnvelope(string(input)); err != nil {
			return nil, err
		}
		// The server holds no plaintext, so the fingerprint covers the envelope.
		return &Encoded{Value: string(input), Mode: mode, Fingerprint: Fingerprint(input)}, nil

	default:
		return nil, types.NewValidationError("mode", "unknown credential mode %d", mode)
	}
}

// Reveal returns the plaintext of a mode 1 or mode 2 credential. Mode 3
// fails with ErrRevealUnsupported. Callers must have passed the approval
// workflow before calling it.
func (s *Service) Reveal(value string, mode types.IPMode, site *types.Site) ([]byte, error) {
	switch mode {
	case types.IPModeMasking:
		return []byte(value), nil

	case types.IPModeServerEnvelope:
		wrapped, err := s.siteDEK(site)
		if err != nil {
			return nil, err
		}
		plaintext, err := s.envelope.Decrypt(wrapped, value)
		if err != nil {
			s.recordDecryptFailure(mode, err)
			return nil, err
		}
		return plaintext, nil

	case types.IPModeDeviceE2EE:
		return nil, types.ErrRevealUnsupported

	default:
		return nil, types.NewValidationError("mode", "unknown credential mode %d", mode)
	}
}

// GetDisplayCredential builds the UI view of a stored credential. Modes 2
// and 3 never yield plaintext. For mode 1, secrets are always masked and IP
// fields are masked beyond the first two octets unless isAdmin is set.
func GetDisplayCredential(value string, mode types.IPMode, isAdmin bool) DisplayView {
	switch mode {
	case types.IPModeMasking:
		return DisplayView{Mode: mode, Masked: true, Fields: maskFields([]byte(value), isAdmin)}
	case types.IPModeServerEnvelope:
		return DisplayView{Mode: mode, Masked: true, Note: "encrypted with the site key; reveal requires an approved change request"}
	case types.IPModeDeviceE2EE:
		return DisplayView{Mode: mode, Masked: true, Note: "sealed to the site's edge collector; only the device can open it"}
	default:
		return DisplayView{Mode: mode, Masked: true, Note: "unknown credential mode"}
	}
}

// Migrate re-encodes a credential from one mode to another. site supplies
// the DEK for mode 2 on either side; target is required when moving into
// mode 3. Migration from mode 3 always fails with ErrMigrationFromE2EE.
func (s *Service) Migrate(value string, from, to types.IPMode, site *types.Site, target *SealTarget) (*Encoded, error) {
	if from == types.IPModeDeviceE2EE {
		return nil, types.ErrMigrationFromE2EE
	}
	if !to.Valid() {
		return nil, types.NewValidationError("mode", "unknown target mode %d", to)
	}

	plaintext, err := s.Reveal(value, from, site)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credential under mode %d: %w", from, err)
	}
	defer security.Zero(plaintext)

	if from == to {
		return &Encoded{Value: value, Mode: from, Fingerprint: Fingerprint(plaintext)}, nil
	}

	if to == types.IPModeDeviceE2EE {
		if target == nil || len(target.PublicKey) != security.KeySize {
			return nil, types.NewValidationError("device", "migration into mode 3 requires the device public key")
		}
		sealed, err := security.SealCredential(target.PublicKey, target.KeyVersion, plaintext, target.Counter, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to seal credential: %w", err)
		}
		return &Encoded{Value: sealed, Mode: to, Fingerprint: Fingerprint([]byte(sealed))}, nil
	}

	return s.Store(plaintext, to, site)
}

// VerifyEncoding checks that value is encoded the way mode claims
func VerifyEncoding(value string, mode types.IPMode) error {
	isToken := security.IsEnvelopeToken(value)
	isSealed := security.IsSealedEnvelope(value)

	switch mode {
	case types.IPModeMasking:
		if isToken || isSealed {
			return types.NewValidationError("credential", "mode 1 record holds an encrypted payload")
		}
	case types.IPModeServerEnvelope:
		if !isToken {
			return types.NewValidationError("credential", "mode 2 record is not an envelope token")
		}
	case types.IPModeDeviceE2EE:
		if !isSealed {
			return types.NewValidationError("credential", "mode 3 record is not a sealed envelope")
		}
	default:
		return types.NewValidationError("mode", "unknown credential mode %d", mode)
	}
	return nil
}

func (s *Service) siteDEK(site *types.Site) (string, error) {
	if s.envelope == nil {
		return "", types.NewValidationError("master_key", "server envelope is not configured")
	}
	if site == nil || site.SiteDEKWrapped == "" {
		return "", types.NewValidationError("site", "site has no data encryption key")
	}
	return site.SiteDEKWrapped, nil
}

func (s *Service) recordDecryptFailure(mode types.IPMode, err error) {
	if !errors.Is(err, types.ErrDecryptionFailed) {
		return
	}
	metrics.DecryptionFailuresTotal.WithLabelValues(strconv.Itoa(int(mode))).Inc()
	s.logger.Warn().
		Int("mode", int(mode)).
		Msg("Credential decryption failed")
}
