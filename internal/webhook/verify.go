package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultReplayWindow bounds how old a signed timestamp may be.
const DefaultReplayWindow = 300 * time.Second

// Verifier authenticates a raw provider payload against its headers.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
}

// StripeVerifier checks Stripe-scheme signatures: the signature header
// carries "t=<unix ts>,v1=<hex hmac>" and the HMAC-SHA256 is computed
// over "{ts}.{payload}" with the shared endpoint secret.
type StripeVerifier struct {
	secret       string
	replayWindow time.Duration
	now          func() time.Time
}

// NewStripeVerifier creates a verifier for the shared endpoint secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{
		secret:       secret,
		replayWindow: DefaultReplayWindow,
		now:          time.Now,
	}
}

// WithReplayWindow overrides the default 300s replay window.
func (v *StripeVerifier) WithReplayWindow(d time.Duration) *StripeVerifier {
	v.replayWindow = d
	return v
}

// WithClock overrides the time source for tests.
func (v *StripeVerifier) WithClock(now func() time.Time) *StripeVerifier {
	v.now = now
	return v
}

func (v *StripeVerifier) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return fmt.Errorf("%w: missing Stripe-Signature", ErrMalformedHeader)
	}

	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.replayWindow || age < -v.replayWindow {
		return fmt.Errorf("%w: signed %ds ago", ErrReplayTooOld, int64(age.Seconds()))
	}

	expected := signPayload(v.secret, ts, payload)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseSignatureHeader splits "t=1712000000,v1=abc...,v1=def..." into
// the timestamp and candidate signatures. Multiple v1 entries appear
// during secret rotation.
func parseSignatureHeader(header string) (int64, []string, error) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, fmt.Errorf("%w: %q", ErrMalformedHeader, part)
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformedHeader, val)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: missing t or v1", ErrMalformedHeader)
	}
	return ts, sigs, nil
}

func signPayload(secret string, ts int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", ts)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// CertVerifier checks a PayPal transmission signature against the
// provider's cert chain. Implementations call the PayPal verification
// API or validate the cert locally.
type CertVerifier interface {
	VerifyTransmission(ctx context.Context, payload []byte, headers http.Header) error
}

// PayPalVerifier delegates signature verification to a CertVerifier and
// enforces the transmission headers PayPal always sends.
type PayPalVerifier struct {
	certs CertVerifier
}

// NewPayPalVerifier wraps a cert-chain collaborator.
func NewPayPalVerifier(certs CertVerifier) *PayPalVerifier {
	return &PayPalVerifier{certs: certs}
}

func (v *PayPalVerifier) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	for _, h := range []string{"Paypal-Transmission-Id", "Paypal-Transmission-Sig", "Paypal-Cert-Url"} {
		if headers.Get(h) == "" {
			return fmt.Errorf("%w: missing %s", ErrMalformedHeader, h)
		}
	}
	if err := v.certs.VerifyTransmission(ctx, payload, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
