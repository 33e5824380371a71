package s3wire

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/minio/minio-go/v7/pkg/signer"
)

// emptyPayloadHash is the SHA-256 of an empty body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Signer signs an outgoing request. Implementations hold their credentials
// from construction and may return a new request value.
type Signer interface {
	Sign(r *http.Request) *http.Request
}

// V4Signer signs requests with AWS Signature Version 4 for the "s3" service.
type V4Signer struct {
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
	region          string
}

// NewV4Signer creates a V4Signer. Requests are left unsigned when either key
// is empty.
func NewV4Signer(accessKeyID string, secretAccessKey string, sessionToken string, region string) *V4Signer {
	return &V4Signer{
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		sessionToken:    sessionToken,
		region:          region,
	}
}

// Sign expects X-Amz-Content-Sha256 to already carry the payload hash.
func (s *V4Signer) Sign(r *http.Request) *http.Request {
	return signer.SignV4(*r, s.accessKeyID, s.secretAccessKey, s.sessionToken, s.region)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
