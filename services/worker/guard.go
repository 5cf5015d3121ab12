package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soheilrt/play-scraper/internal/domain"
	"github.com/soheilrt/play-scraper/pkg/retry"
	"github.com/soheilrt/play-scraper/pkg/telemetry"
)

// ErrLeaseHeld is returned by Guard.Acquire when another instance owns the lease.
var ErrLeaseHeld = errors.New("lease held by another instance")

// LeaseStore is the store-side lease record.
type LeaseStore interface {
	Acquire(ctx context.Context, token string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, token string) (bool, error)
}

// GuardConfig tunes lease acquisition and renewal.
type GuardConfig struct {
	TTL              time.Duration
	RenewInterval    time.Duration
	AcquireAttempts  int
	AcquireBaseDelay time.Duration
	AcquireMaxDelay  time.Duration
	// MaxMissedRenewals is how many renewals in a row may fail before the
	// holder demotes itself.
	MaxMissedRenewals int
}

// DefaultGuardConfig returns the production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		TTL:               15 * time.Second,
		RenewInterval:     5 * time.Second,
		AcquireAttempts:   5,
		AcquireBaseDelay:  500 * time.Millisecond,
		AcquireMaxDelay:   8 * time.Second,
		MaxMissedRenewals: 2,
	}
}

// Guard keeps this process the single writer of the queue.
type Guard struct {
	store  LeaseStore
	token  string
	cfg    GuardConfig
	logger *slog.Logger
}

// NewGuard returns a guard that holds the lease under token.
func NewGuard(store LeaseStore, token string, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.MaxMissedRenewals < 1 {
		cfg.MaxMissedRenewals = 2
	}
	if cfg.AcquireAttempts < 1 {
		cfg.AcquireAttempts = 1
	}
	return &Guard{store: store, token: token, cfg: cfg, logger: logger}
}

func (g *Guard) Token() string { return g.token }

// Acquire tries to take the lease with bounded exponential backoff. It
// returns ErrLeaseHeld when every attempt found another holder, or the last
// store error.
func (g *Guard) Acquire(ctx context.Context) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: g.cfg.AcquireAttempts,
		BaseDelay:   g.cfg.AcquireBaseDelay,
		MaxDelay:    g.cfg.AcquireMaxDelay,
		OnRetry: func(attempt int, err error) {
			g.logger.Debug("lease acquisition attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		ok, err := g.store.Acquire(ctx, g.token, g.cfg.TTL)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseHeld
		}
		return nil
	})
}

// Keep renews the lease every RenewInterval until ctx is done. After
// MaxMissedRenewals consecutive failures it calls lost with a LeaseLostError
// and returns that error.
func (g *Guard) Keep(ctx context.Context, lost context.CancelCauseFunc) error {
	ticker := time.NewTicker(g.cfg.RenewInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ok, err := g.store.Renew(ctx, g.token, g.cfg.TTL)
		if err == nil && ok {
			misses = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		misses++
		telemetry.LeaseRenewalFailures.Inc()
		reason := "lease owned by another instance"
		if err != nil {
			reason = err.Error()
		}
		g.logger.Warn("lease renewal failed",
			slog.Int("consecutive", misses),
			slog.String("reason", reason),
		)
		if misses >= g.cfg.MaxMissedRenewals {
			cause := &domain.LeaseLostError{Token: g.token, Reason: reason}
			lost(cause)
			return cause
		}
	}
}

// Release gives the lease up if we still hold it.
func (g *Guard) Release(ctx context.Context) error {
	_, err := g.store.Release(ctx, g.token)
	return err
}
