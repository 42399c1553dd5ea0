package activities

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/tenantflow/activity"
	"github.com/nomis52/tenantflow/execution"
	"github.com/nomis52/tenantflow/failure"
)

// DefaultClaimTTL is how long a sent email's idempotency key is remembered.
const DefaultClaimTTL = 7 * 24 * time.Hour

// Message is an email rendered from a template.
type Message struct {
	TenantID       string
	To             string
	Template       string
	Data           map[string]any
	IdempotencyKey string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer logs messages instead of delivering them.
type LogMailer struct {
	Logger *slog.Logger
}

// Send implements Mailer.
func (l LogMailer) Send(_ context.Context, m Message) error {
	l.Logger.Info("email sent", "tenant_id", m.TenantID, "to", m.To, "template", m.Template, "idempotency_key", m.IdempotencyKey)
	return nil
}

// SendEmail sends one templated email per step. The idempotency key is
// claimed before sending, so a retried or re-dispatched attempt never sends a
// second copy.
type SendEmail struct {
	Mailer Mailer
	Guard  activity.Guard

	Template string
	// RecipientField is the input field holding the address.
	RecipientField string
	// RecipientStep, when set, reads the address from that step's output
	// instead of the input.
	RecipientStep string
	// ClaimTTL defaults to DefaultClaimTTL.
	ClaimTTL time.Duration
}

// Execute implements activity.Activity.
func (a *SendEmail) Execute(ctx context.Context, inv activity.Invocation) (execution.Payload, error) {
	return activity.CaptureError(inv.Status, func() (execution.Payload, error) {
		to, err := a.recipient(inv.Input)
		if err != nil {
			return nil, err
		}

		ttl := a.ClaimTTL
		if ttl == 0 {
			ttl = DefaultClaimTTL
		}
		claimed, err := a.Guard.Claim(ctx, inv.IdempotencyKey, ttl)
		if err != nil {
			return nil, failure.Wrap(failure.KindTransient, "send email", err)
		}
		if !claimed {
			inv.Status.Set("email already sent")
			return execution.Payload{"sent": true, "deduplicated": true, "template": a.Template}, nil
		}

		inv.Status.Set(fmt.Sprintf("sending %s email", a.Template))
		err = a.Mailer.Send(ctx, Message{
			TenantID:       inv.Tenant.ID,
			To:             to,
			Template:       a.Template,
			Data:           map[string]any(inv.Input.Clone()),
			IdempotencyKey: inv.IdempotencyKey,
		})
		if err != nil {
			if rerr := a.Guard.Release(context.WithoutCancel(ctx), inv.IdempotencyKey); rerr != nil && inv.Logger != nil {
				inv.Logger.Warn("failed to release idempotency key", "key", inv.IdempotencyKey, "error", rerr)
			}
			return nil, fmt.Errorf("sending %s email to %s: %w", a.Template, to, err)
		}
		return execution.Payload{"sent": true, "template": a.Template}, nil
	})
}

func (a *SendEmail) recipient(in execution.Payload) (string, error) {
	if a.RecipientStep != "" {
		return stepString(a.Template, in, a.RecipientStep, a.RecipientField)
	}
	return stringField(a.Template, in, a.RecipientField)
}

var _ activity.Activity = (*SendEmail)(nil)
