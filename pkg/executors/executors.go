// Package executors implements the retryable state machines for the three
// side-effecting verbs: upload, edit and delete. All three share one retry
// policy; everything is handled locally and only a final outcome escapes.
package executors

import (
	"context"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/config"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/retrypolicy"
)

// Outcome is the terminal result of executing one operation.
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	OutcomeEdited   Outcome = "edited"
	OutcomeDeleted  Outcome = "deleted"
	// OutcomeGone means the downstream record no longer exists; the
	// target state is already absent.
	OutcomeGone Outcome = "gone"
	// OutcomeSessionError means the upload session could not be created
	// or committed; the chapter stays in the backlog for the next run.
	OutcomeSessionError Outcome = "session_error"
	OutcomeFailed       Outcome = "failed"
)

// Reauther re-establishes the downstream session. Satisfied by
// *gateway.Authenticator.
type Reauther interface {
	Login(ctx context.Context) error
}

// NewPolicy builds the shared retry policy from the target configuration.
func NewPolicy(cfg config.TargetConfig, auth Reauther) retrypolicy.Policy {
	policy := retrypolicy.Policy{
		MaxAttempts:       cfg.RetryAttempts,
		Backoff:           cfg.RetryBackoff,
		RateLimitCooldown: cfg.RateLimitCooldown,
	}
	if auth != nil {
		policy.Reauth = auth.Login
	}
	return policy
}

// deps are the collaborators common to all three executors.
type deps struct {
	gw     *gateway.Gateway
	store  *chapters.Service
	policy retrypolicy.Policy
}
