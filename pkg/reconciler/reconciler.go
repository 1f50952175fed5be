package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is how often overdue change requests are expired
	DefaultInterval = time.Minute

	// DefaultVerifyEvery runs a full chain verification every N cycles
	DefaultVerifyEvery = 15
)

// Target is the maintenance surface of the manager
type Target interface {
	ExpireStale() (int, error)
	VerifyAllChains() (map[string]string, error)
}

// Config holds reconciler settings
type Config struct {
	Interval    time.Duration
	VerifyEvery int
}

// Reconciler runs background maintenance: it expires change requests that
// passed their deadline and periodically re-verifies every audit chain.
type Reconciler struct {
	target      Target
	interval    time.Duration
	verifyEvery int
	logger      zerolog.Logger

	mu     sync.Mutex
	cycles int
	stopCh chan struct{}
	once   sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(target Target, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.VerifyEvery <= 0 {
		cfg.VerifyEvery = DefaultVerifyEvery
	}
	return &Reconciler{
		target:      target,
		interval:    cfg.Interval,
		verifyEvery: cfg.VerifyEvery,
		logger:      log.WithComponent("reconciler"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one maintenance cycle. The first cycle and every
// verifyEvery-th one after it also verify the audit chains.
func (r *Reconciler) Reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, err := r.target.ExpireStale(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to expire change requests")
	} else if n > 0 {
		metrics.ChangeRequestsExpiredTotal.Add(float64(n))
		r.logger.Info().Int("expired", n).Msg("Expired stale change requests")
	}

	if r.cycles%r.verifyEvery == 0 {
		r.verifyChains()
	}
	r.cycles++
}

func (r *Reconciler) verifyChains() {
	broken, err := r.target.VerifyAllChains()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to verify audit chains")
		return
	}
	for tenantID, eventID := range broken {
		r.logger.Error().
			Str("tenant_id", tenantID).
			Str("event_id", eventID).
			Msg("Audit chain broken")
	}
}
