package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eteran/stash/internal/auth"

	"github.com/minio/minio-go/v7/pkg/signer"
	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "stashadmin"
	SecretAccessKey = "stashsecret"
	Region          = "us-east-1"
)

func signRequestSigV4(t *testing.T, r *http.Request, secret string) *http.Request {
	t.Helper()

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}

	return signer.SignV4(*r, AccessKeyID, secret, "", Region)
}

func TestAwsHmac_SignedBySDK_Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket?list-type=2&continuation-token=team%2Fabc&max-keys=500", nil)
	req = signRequestSigV4(t, req, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "AuthenticateRequest error")
	require.NotNil(t, user, "expected SDK-signed request to authenticate")
	require.Equal(t, AccessKeyID, user.ID, "user id")
}

func TestAwsHmac_EncodedKeySegments_Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodPut, "http://example.com/test-bucket/team%20one/a%2Bb.bin", nil)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Amz-Meta-Custom", `{"artifactTag":"abc123"}`)
	req = signRequestSigV4(t, req, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "AuthenticateRequest error")
	require.NotNil(t, user, "expected request with escaped key to authenticate")
}

func TestAwsHmac_WrongSecret(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	req = signRequestSigV4(t, req, "not-the-secret")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "a bad signature is not a processing error")
	require.Nil(t, user, "expected nil user for wrong secret")
}

func TestAwsHmac_InvalidSignature(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	req = signRequestSigV4(t, req, SecretAccessKey)

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "AuthenticateRequest error")
	require.Nil(t, user, "expected nil user from corrupted signature")
}

func TestAwsHmac_MissingHeader(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(AccessKeyID, SecretAccessKey)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "AuthenticateRequest error")
	require.Nil(t, user, "expected nil user without Authorization")
}

func TestBearer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  string
		header string
		ok     bool
	}{
		{name: "valid", token: "s3cret", header: "Bearer s3cret", ok: true},
		{name: "case-insensitive scheme", token: "s3cret", header: "bearer s3cret", ok: true},
		{name: "wrong token", token: "s3cret", header: "Bearer nope", ok: false},
		{name: "missing header", token: "s3cret", header: "", ok: false},
		{name: "basic scheme", token: "s3cret", header: "Basic czNjcmV0", ok: false},
		{name: "no token configured", token: "", header: "Bearer ", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := auth.NewBearerAuthEngine(tt.token)
			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/v8/artifacts/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			user, err := e.AuthenticateRequest(t.Context(), req)
			require.NoError(t, err, "AuthenticateRequest error")
			if tt.ok {
				require.NotNil(t, user, "expected user")
			} else {
				require.Nil(t, user, "expected nil user")
			}
		})
	}
}

func TestTokenAuthEngineAcceptsAnyToken(t *testing.T) {
	t.Parallel()

	e := auth.NewTokenAuthEngine(" old-token , new-token ,")

	for _, header := range []string{"Bearer old-token", "Bearer new-token"} {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/v8/artifacts/status", nil)
		req.Header.Set("Authorization", header)
		user, err := e.AuthenticateRequest(t.Context(), req)
		require.NoError(t, err, "AuthenticateRequest error")
		require.NotNil(t, user, "%q should be accepted", header)
	}

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/v8/artifacts/status", nil)
	req.Header.Set("Authorization", "Bearer ")
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "AuthenticateRequest error")
	require.Nil(t, user, "empty token must not match the trailing separator")

	empty := auth.NewTokenAuthEngine("")
	user, err = empty.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "AuthenticateRequest error")
	require.Nil(t, user, "no tokens rejects everything")
}
