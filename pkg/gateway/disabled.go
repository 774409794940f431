package gateway

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by collaborator stubs that have no
// credentials wired. Handlers do not single it out: it reaches the queue
// wrapped like any other collaborator error, and so is retried.
var ErrNotConfigured = errors.New("collaborator not configured")

// DisabledStripe is the StripeClient used when no Stripe key is set.
type DisabledStripe struct{}

func (DisabledStripe) CreatePaymentIntent(context.Context, int64, string, map[string]string) (PaymentIntent, error) {
	return PaymentIntent{}, fmt.Errorf("stripe: %w", ErrNotConfigured)
}

// DisabledAI is the AIClient used when no provider key is set.
type DisabledAI struct{}

func (DisabledAI) Complete(context.Context, string, string, int) (Completion, error) {
	return Completion{}, fmt.Errorf("ai: %w", ErrNotConfigured)
}

// EstimateTokens approximates four characters per token, which is close
// enough for budget pre-checks when no provider tokenizer is available.
func (DisabledAI) EstimateTokens(prompt string) int {
	return len(prompt)/4 + 1
}

// LogMailer drops outbound mail; the send jobs still exercise the full
// pipeline in development.
type LogMailer struct{}

func (LogMailer) Send(context.Context, string, string, map[string]string) error { return nil }

// EmptyIMAP polls nothing.
type EmptyIMAP struct{}

func (EmptyIMAP) Poll(context.Context) ([]InboundMessage, error) { return nil, nil }

// DisabledObjectStore rejects uploads.
type DisabledObjectStore struct{}

func (DisabledObjectStore) Put(context.Context, string, string, string, []byte) (string, error) {
	return "", fmt.Errorf("object store: %w", ErrNotConfigured)
}

// EmptySearchIndex returns no matches.
type EmptySearchIndex struct{}

func (EmptySearchIndex) Query(context.Context, SearchQuery) ([]string, int, error) {
	return nil, 0, nil
}
