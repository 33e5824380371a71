package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	AWSv4Prefix = "AWS4-HMAC-SHA256 "
)

// AwsHmacAuthEngine verifies AWS Signature Version 4 header signatures for a
// single access key.
type AwsHmacAuthEngine struct {
	AccessKeyID     string
	SecretAccessKey string
}

// NewAwsHmacAuthEngine creates a new AwsHmacAuthEngine with the given access
// key ID and secret access key.
func NewAwsHmacAuthEngine(accessKeyID string, secretAccessKey string) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	}
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// BuildCanonicalRequest assembles the SigV4 canonical request for r. The
// path is taken in its decoded form and re-encoded, so the result does not
// depend on how the client chose to escape it on the wire.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		if name := strings.ToLower(strings.TrimSpace(h)); name != "" {
			lowerNames = append(lowerNames, name)
		}
	}

	var headers strings.Builder
	for _, name := range lowerNames {
		var value string
		switch name {
		case "host":
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		default:
			value = strings.Join(r.Header.Values(name), ",")
		}
		headers.WriteString(name)
		headers.WriteString(":")
		headers.WriteString(canonicalHeaderValue(value))
		headers.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		awsURLEncode(r.URL.Path, false),
		canonicalQueryString(r.URL),
		headers.String(),
		strings.Join(lowerNames, ";"),
		payloadHash,
	}, "\n")
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for one day, region and service.
func SigningKey(secretAccessKey string, dateStamp string, region string, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secretAccessKey), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

type v4Authorization struct {
	accessKeyID   string
	dateStamp     string
	region        string
	service       string
	signedHeaders []string
	signature     []byte
}

// parseV4Authorization splits an "AWS4-HMAC-SHA256 Credential=...,
// SignedHeaders=..., Signature=..." header. ok is false when any part is
// missing or malformed.
func parseV4Authorization(header string) (v4Authorization, bool) {
	var a v4Authorization

	if !strings.HasPrefix(header, AWSv4Prefix) {
		return a, false
	}

	fields := make(map[string]string, 3)
	for _, p := range strings.Split(strings.TrimPrefix(header, AWSv4Prefix), ",") {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if found && k != "" {
			fields[k] = strings.TrimSpace(v)
		}
	}

	credParts := strings.Split(fields["Credential"], "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" {
		return a, false
	}
	if credParts[2] == "" || credParts[3] == "" || fields["SignedHeaders"] == "" {
		return a, false
	}

	signature, err := hex.DecodeString(fields["Signature"])
	if err != nil || len(signature) == 0 {
		return a, false
	}

	a.accessKeyID = credParts[0]
	a.dateStamp = credParts[1]
	a.region = credParts[2]
	a.service = credParts[3]
	a.signedHeaders = strings.Split(fields["SignedHeaders"], ";")
	a.signature = signature
	return a, true
}

// AuthenticateRequest verifies the request's SigV4 signature. It returns a
// User when the signature matches, nil otherwise.
func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	a, ok := parseV4Authorization(r.Header.Get("Authorization"))
	if !ok || a.accessKeyID != e.AccessKeyID {
		return nil, nil
	}

	amzDate := r.Header.Get("X-Amz-Date")
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if amzDate == "" || payloadHash == "" {
		return nil, nil
	}

	canonicalReq := BuildCanonicalRequest(r, a.signedHeaders, payloadHash)
	crHash := sha256.Sum256([]byte(canonicalReq))

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		strings.Join([]string{a.dateStamp, a.region, a.service, "aws4_request"}, "/"),
		hex.EncodeToString(crHash[:]),
	}, "\n")

	computed := HmacSHA256(SigningKey(e.SecretAccessKey, a.dateStamp, a.region, a.service), stringToSign)
	if !hmac.Equal(computed, a.signature) {
		return nil, nil
	}

	return &User{ID: a.accessKeyID}, nil
}
