// Package signature verifies shared-secret HMAC signatures on webhook
// deliveries.
//
// Two header formats are accepted:
//
//	x-signature: <hex hmac-sha256(body)>          (optionally "sha256=" prefixed)
//	x-signature: t=<unix seconds>,v0=<hex hmac-sha256("<t>.<body>")>
//
// The timestamped form is rejected when t is further than the tolerance from
// the current time.
package signature

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

var ErrInvalid = errors.New("signature invalid")

const (
	Header           = "x-signature"
	PlatformHeader   = "ElevenLabs-Signature"
	DefaultTolerance = 30 * time.Minute
)

type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Verify fails closed: an empty secret rejects everything.
func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalid)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalid)
	}

	if strings.Contains(header, "=") && strings.Contains(header, ",") {
		return v.verifyTimestamped(header, body)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: malformed digest", ErrInvalid)
	}
	if !hmac.Equal(got, v.mac(body)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalid)
	}
	return nil
}

func (v *Verifier) verifyTimestamped(header string, body []byte) error {
	var ts, digest string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v0":
			digest = val
		}
	}
	if ts == "" || digest == "" {
		return fmt.Errorf("%w: malformed signature header", ErrInvalid)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalid)
	}
	age := v.now().Sub(time.Unix(sec, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalid)
	}

	got, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: malformed digest", ErrInvalid)
	}
	signed := make([]byte, 0, len(ts)+1+len(body))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	if !hmac.Equal(got, v.mac(signed)) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalid)
	}
	return nil
}

func (v *Verifier) mac(data []byte) []byte {
	m := hmac.New(sha256.New, v.secret)
	m.Write(data)
	return m.Sum(nil)
}

// Sign produces the plain hex form. Used by tests and by local tooling that
// replays deliveries.
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// SignAt produces the timestamped form for the given time.
func SignAt(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts + "."))
	m.Write(body)
	return "t=" + ts + ",v0=" + hex.EncodeToString(m.Sum(nil))
}
