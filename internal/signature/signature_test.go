package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var body = []byte(`{"data_collection_results":{"eq_analysis":{"value":"Secure"}}}`)

func fixedVerifier(secret string, at time.Time) *Verifier {
	v := NewVerifier(secret, 30*time.Minute)
	v.now = func() time.Time { return at }
	return v
}

func TestVerify_HexDigest(t *testing.T) {
	v := NewVerifier("s3cr3t", 0)

	require.NoError(t, v.Verify(Sign("s3cr3t", body), body))
	require.NoError(t, v.Verify("sha256="+Sign("s3cr3t", body), body))
}

func TestVerify_Timestamped(t *testing.T) {
	now := time.Unix(1_739_537_297, 0)
	v := fixedVerifier("s3cr3t", now)

	require.NoError(t, v.Verify(SignAt("s3cr3t", body, now.Add(-time.Minute)), body))
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Unix(1_739_537_297, 0)
	tests := map[string]struct {
		secret string
		header string
	}{
		"wrong secret":       {secret: "s3cr3t", header: Sign("other", body)},
		"missing header":     {secret: "s3cr3t", header: ""},
		"not hex":            {secret: "s3cr3t", header: "zzzz"},
		"stale timestamp":    {secret: "s3cr3t", header: SignAt("s3cr3t", body, now.Add(-time.Hour))},
		"future timestamp":   {secret: "s3cr3t", header: SignAt("s3cr3t", body, now.Add(time.Hour))},
		"tampered timestamp": {secret: "s3cr3t", header: "t=1739537000," + SignAt("s3cr3t", body, now)[len("t=1739537297,"):]},
		"no digest":          {secret: "s3cr3t", header: "t=1739537297,v1=abc"},
		"no secret":          {secret: "", header: Sign("", body)},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := fixedVerifier(tt.secret, now).Verify(tt.header, body)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestVerify_BodyTampered(t *testing.T) {
	v := NewVerifier("s3cr3t", 0)
	sig := Sign("s3cr3t", body)

	err := v.Verify(sig, []byte(`{"data_collection_results":{"eq_analysis":{"value":"Anxious"}}}`))
	require.ErrorIs(t, err, ErrInvalid)
}
