package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
	"github.com/teacurran/village-homepage/pkg/marketplace"
)

// emailSend renders and delivers one templated email. Delivery is a
// collaborator; this handler only hands off and classifies failures.
type emailSend struct {
	deps Deps
}

type emailSendPayload struct {
	Template string `json:"template" validate:"required"`
	OwnerID  string `json:"owner_id" validate:"omitempty,uuid"`
	To       string `json:"to" validate:"omitempty,email"`
}

func (h *emailSend) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeEmailSend,
		Family:      jobqueue.FamilyHigh,
		MaxDuration: 30 * time.Second,
		MaxAttempts: 5,
	}
}

func (h *emailSend) Validate(payload json.RawMessage) error {
	var p emailSendPayload
	if err := handler.Bind(payload, &p); err != nil {
		return err
	}
	if p.OwnerID == "" && p.To == "" {
		return jobqueue.Invalid(errors.New("email_send needs owner_id or to"))
	}
	return nil
}

func (h *emailSend) Run(ctx context.Context, payload json.RawMessage) error {
	var p emailSendPayload
	if err := handler.Bind(payload, &p); err != nil {
		return err
	}

	// The payload's extra fields become template vars verbatim.
	var vars map[string]string
	if err := json.Unmarshal(payload, &vars); err != nil {
		return jobqueue.Invalid(fmt.Errorf("decoding template vars: %w", err))
	}
	delete(vars, "template")

	to := p.To
	if to == "" {
		addr, err := h.deps.Marketplace.OwnerEmail(ctx, p.OwnerID)
		if err != nil {
			return err
		}
		to = addr
	}

	if err := h.deps.Mailer.Send(ctx, p.Template, to, vars); err != nil {
		return jobqueue.Transient(fmt.Errorf("sending %s email: %w", p.Template, err))
	}
	return nil
}

// inboundEmailPoll drains the relay mailbox and routes each message to
// its listing owner.
type inboundEmailPoll struct {
	deps Deps
}

func (h *inboundEmailPoll) Declare() handler.Declaration {
	return handler.Declaration{
		Type:        TypeInboundEmailPoll,
		Family:      jobqueue.FamilyHigh,
		MaxDuration: time.Minute,
		MaxAttempts: 3,
	}
}

func (h *inboundEmailPoll) Validate(p json.RawMessage) error { return emptyValidate(p) }

func (h *inboundEmailPoll) Run(ctx context.Context, _ json.RawMessage) error {
	messages, err := h.deps.IMAP.Poll(ctx)
	if err != nil {
		return jobqueue.Transient(fmt.Errorf("polling relay mailbox: %w", err))
	}

	for _, msg := range messages {
		if err := h.deps.Marketplace.RouteInbound(ctx, msg); err != nil {
			// A malformed or stale relay address is dropped, not
			// retried: the message itself will never become valid.
			if !jobqueue.Retryable(err) || errors.Is(err, marketplace.ErrNotFound) {
				h.deps.Logger.Warn("dropping unroutable inbound email",
					"to", msg.To, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}
