package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/photopay/payment-engine/internal/ledger"
	"github.com/photopay/payment-engine/internal/metrics"
	"github.com/photopay/payment-engine/internal/verify"
)

// RetryPolicy bounds how long one confirmation call keeps asking the ledger
// about a transaction that is not visible yet or whose fetch failed in
// transit. Malformed responses are never retried.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration // delay before the second attempt
	MaxBackoff time.Duration // cap on the doubled delay
}

// DefaultRetryPolicy gives a freshly submitted transaction a few seconds to
// land before the caller is told to come back later.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// delay returns the wait before attempt n (1-based, n >= 2).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	for i := 2; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// verifyWithRetry runs the verifier until it reaches a verdict other than
// not_yet_visible, the attempts run out, or ctx ends. On exhaustion the last
// outcome is returned as-is.
func (s *Service) verifyWithRetry(ctx context.Context, signature, sender, receiver string, amount decimal.Decimal) (verify.Decision, error) {
	var (
		d   verify.Decision
		err error
	)
	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		if attempt > 1 {
			metrics.LedgerRetries.Inc()
			if werr := sleep(ctx, s.policy.delay(attempt)); werr != nil {
				return verify.Decision{}, werr
			}
		}

		d, err = s.verifier.Verify(ctx, signature, sender, receiver, amount)
		switch {
		case err == nil && d.Reason != verify.ReasonNotYetVisible:
			return d, nil
		case err != nil && !retriable(err):
			return verify.Decision{}, err
		}
		slog.Debug("ledger verdict not final, retrying",
			"signature", signature, "attempt", attempt, "reason", d.Reason, "err", err)
	}
	return d, err
}

func retriable(err error) bool {
	return errors.Is(err, ledger.ErrTransport)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
