package fetcher

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// RestartPolicy decides whether a failed cursor open or batch is retried.
// Steady-state fetching and initial sync use different restart budgets, so
// the decision is an interface rather than a fixed field on the Fetcher.
type RestartPolicy interface {
	// ShouldContinue is called after every failed batch/cursor open. diag
	// is an opaque diagnostic string (e.g. Fetcher.String()) for logging
	// only — implementations must not reach back into the Fetcher.
	ShouldContinue(status Status, diag string) bool
	// FetchSuccessful is called after every successful batch.
	FetchSuccessful()
	// NextDelay returns how long the cursor driver should wait before the
	// next reopen attempt.
	NextDelay() time.Duration
}

// DefaultRestartPolicy bounds consecutive failures by maxRestarts and
// paces reopen attempts with an exponential backoff, capped so a storm of
// NetworkErrors cannot spin the driver in a tight loop.
type DefaultRestartPolicy struct {
	maxRestarts int
	maxDelay    time.Duration

	mu          sync.Mutex
	consecutive int
	backoff     *backoff.ExponentialBackOff
}

// NewDefaultRestartPolicy constructs the bounded-counter policy. maxDelay
// caps the exponential backoff between reopens.
func NewDefaultRestartPolicy(maxRestarts int, maxDelay time.Duration) *DefaultRestartPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0 // never give up on its own; maxRestarts governs that
	b.Reset()            // start the first interval from InitialInterval
	return &DefaultRestartPolicy{maxRestarts: maxRestarts, maxDelay: maxDelay, backoff: b}
}

func (p *DefaultRestartPolicy) ShouldContinue(status Status, diag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive++
	ok := p.consecutive <= p.maxRestarts
	log.Warnf("%s: restart policy observed failure #%d/%d (%s): %s", diag, p.consecutive, p.maxRestarts, status.Kind, status)
	return ok
}

func (p *DefaultRestartPolicy) FetchSuccessful() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutive = 0
	p.backoff.Reset()
}

func (p *DefaultRestartPolicy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		return p.maxDelay
	}
	return d
}

// consecutiveFailures reports the current failure streak, for diagnostics.
func (p *DefaultRestartPolicy) consecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutive
}
