// Package retrypolicy provides the one retry/backoff policy shared by the
// upload, edit and delete executors.
package retrypolicy

import (
	"context"
	"time"

	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/pkg/errors"
)

// Policy retries an operation according to the failure class of each error:
// transient and malformed failures sleep Backoff and consume an attempt,
// rate-limit failures sleep the advertised cooldown (or RateLimitCooldown)
// before consuming an attempt, auth failures invoke Reauth and retry without
// consuming the budget, and not-found/permanent failures stop immediately.
type Policy struct {
	MaxAttempts       int
	Backoff           time.Duration
	RateLimitCooldown time.Duration

	// Reauth re-establishes the session after an auth failure. Optional;
	// when nil an auth failure is terminal.
	Reauth func(ctx context.Context) error

	// Sleep is replaced in tests.
	Sleep func(time.Duration)
}

func (p Policy) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// exhausted. The returned error is the last one fn produced.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0
	reauthed := false

	for attempts < p.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		switch errcodes.ClassOf(err) {
		case errcodes.ClassNotFound, errcodes.ClassPermanent:
			return err
		case errcodes.ClassAuthExpired:
			if p.Reauth == nil || reauthed {
				return err
			}
			reauthed = true
			if reauthErr := p.Reauth(ctx); reauthErr != nil {
				return errors.Wrap(reauthErr, "re-authentication failed")
			}
			continue
		case errcodes.ClassRateLimited:
			cooldown := errcodes.RetryAfterOf(err)
			if cooldown <= 0 {
				cooldown = p.RateLimitCooldown
			}
			p.sleep(cooldown)
		default:
			p.sleep(p.Backoff)
		}

		attempts++
	}

	return errors.Wrapf(lastErr, "gave up after %d attempts", p.MaxAttempts)
}
