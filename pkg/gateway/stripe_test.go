package gateway

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "whsec_test_4242"

func TestVerifyWebhookSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)
	now := time.Unix(1767225600, 0)

	header := SignWebhookPayload(body, testSecret, now)
	if err := VerifyWebhookSignature(body, header, testSecret, now); err != nil {
		t.Fatalf("VerifyWebhookSignature() error: %v", err)
	}
}

func TestVerifyWebhookSignatureWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	now := time.Unix(1767225600, 0)
	header := SignWebhookPayload(body, "whsec_other", now)

	err := VerifyWebhookSignature(body, header, testSecret, now)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("error = %v, want ErrSignatureMismatch", err)
	}
}

func TestVerifyWebhookSignatureTamperedBody(t *testing.T) {
	now := time.Unix(1767225600, 0)
	header := SignWebhookPayload([]byte(`{"amount":500}`), testSecret, now)

	err := VerifyWebhookSignature([]byte(`{"amount":50000}`), header, testSecret, now)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("error = %v, want ErrSignatureMismatch", err)
	}
}

func TestVerifyWebhookSignatureTolerance(t *testing.T) {
	body := []byte(`{}`)
	signedAt := time.Unix(1767225600, 0)
	header := SignWebhookPayload(body, testSecret, signedAt)

	// Within tolerance, both directions.
	if err := VerifyWebhookSignature(body, header, testSecret, signedAt.Add(299*time.Second)); err != nil {
		t.Errorf("within tolerance: %v", err)
	}
	if err := VerifyWebhookSignature(body, header, testSecret, signedAt.Add(-299*time.Second)); err != nil {
		t.Errorf("within negative tolerance: %v", err)
	}

	// Outside tolerance.
	err := VerifyWebhookSignature(body, header, testSecret, signedAt.Add(301*time.Second))
	if !errors.Is(err, ErrSignatureExpired) {
		t.Errorf("past tolerance error = %v, want ErrSignatureExpired", err)
	}
	err = VerifyWebhookSignature(body, header, testSecret, signedAt.Add(-301*time.Second))
	if !errors.Is(err, ErrSignatureExpired) {
		t.Errorf("before tolerance error = %v, want ErrSignatureExpired", err)
	}
}

func TestParseSignatureHeader(t *testing.T) {
	h, err := ParseSignatureHeader("t=1767225600,v1=abc,v1=def")
	if err != nil {
		t.Fatalf("ParseSignatureHeader() error: %v", err)
	}
	if h.Timestamp.Unix() != 1767225600 {
		t.Errorf("Timestamp = %v", h.Timestamp)
	}
	if len(h.Signatures) != 2 {
		t.Errorf("Signatures = %v, want 2 entries", h.Signatures)
	}

	for _, bad := range []string{"", "t=notanumber,v1=abc", "v1=abc", "t=123", "garbage"} {
		if _, err := ParseSignatureHeader(bad); !errors.Is(err, ErrBadSignatureHeader) {
			t.Errorf("ParseSignatureHeader(%q) error = %v, want ErrBadSignatureHeader", bad, err)
		}
	}
}
