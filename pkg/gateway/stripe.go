package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureTolerance bounds webhook timestamp skew in either direction.
const signatureTolerance = 300 * time.Second

var (
	// ErrBadSignatureHeader means the Stripe-Signature header did not parse.
	ErrBadSignatureHeader = errors.New("malformed stripe signature header")

	// ErrSignatureMismatch means no candidate signature matched.
	ErrSignatureMismatch = errors.New("stripe signature mismatch")

	// ErrSignatureExpired means the signed timestamp is outside tolerance.
	ErrSignatureExpired = errors.New("stripe signature timestamp outside tolerance")
)

// SignatureHeader is a parsed Stripe-Signature header:
// t={unix},v1={hex}[,v1={hex}...]
type SignatureHeader struct {
	Timestamp  time.Time
	Signatures []string
}

// ParseSignatureHeader splits the header into its timestamp and v1
// candidate signatures.
func ParseSignatureHeader(header string) (SignatureHeader, error) {
	var out SignatureHeader
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return SignatureHeader{}, ErrBadSignatureHeader
		}
		switch k {
		case "t":
			unix, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return SignatureHeader{}, ErrBadSignatureHeader
			}
			out.Timestamp = time.Unix(unix, 0)
		case "v1":
			out.Signatures = append(out.Signatures, v)
		}
	}
	if out.Timestamp.IsZero() || len(out.Signatures) == 0 {
		return SignatureHeader{}, ErrBadSignatureHeader
	}
	return out, nil
}

// VerifyWebhookSignature checks a Stripe webhook: HMAC-SHA256 over
// "{timestamp}.{body}" with the endpoint secret, any v1 candidate may
// match, and the timestamp must be within tolerance of now.
func VerifyWebhookSignature(body []byte, header, secret string, now time.Time) error {
	parsed, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	skew := now.Sub(parsed.Timestamp)
	if skew < -signatureTolerance || skew > signatureTolerance {
		return ErrSignatureExpired
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", parsed.Timestamp.Unix())
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range parsed.Signatures {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// SignWebhookPayload produces a valid Stripe-Signature header for a body;
// used by tests and the local development webhook replayer.
func SignWebhookPayload(body []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
