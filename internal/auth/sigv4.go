// Package auth verifies AWS Signature Version 4 signed RPC requests and
// carries the authenticated caller on the request context.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bleepstore/chunkvault/internal/config"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"

	// Service is the SigV4 service name clients sign with.
	Service = "chunkvault"

	unsignedPayload = "UNSIGNED-PAYLOAD"
	emptySHA256     = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	clockSkewTolerance = 15 * time.Minute
	signingKeyTTL      = 24 * time.Hour
	maxCachedKeys      = 1000

	amzDateFormat = "20060102T150405Z"
	amzDateShort  = "20060102"

	// DefaultMaxBodyBytes bounds the body read for payload hashing.
	DefaultMaxBodyBytes = 8 << 20
)

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated access key.
func WithCaller(ctx context.Context, accessKey string) context.Context {
	return context.WithValue(ctx, callerKey{}, accessKey)
}

// CallerFromContext returns the access key set by the auth middleware, or ""
// when the request was not authenticated.
func CallerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(callerKey{}).(string)
	return v
}

// AuthError is an authentication failure.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type signingKeyEntry struct {
	key       []byte
	expiresAt time.Time
}

// SigV4Verifier checks SigV4 signatures against a fixed set of access keys.
type SigV4Verifier struct {
	// Region is recorded for logging; any region in the scope is accepted.
	Region string
	// MaxBodyBytes bounds the body hashed during verification.
	MaxBodyBytes int64

	secrets map[string]string
	now     func() time.Time

	mu          sync.RWMutex
	signingKeys map[string]signingKeyEntry
}

// NewSigV4Verifier returns a verifier accepting creds.
func NewSigV4Verifier(creds []config.Credential, region string) *SigV4Verifier {
	secrets := make(map[string]string, len(creds))
	for _, c := range creds {
		secrets[c.AccessKey] = c.SecretKey
	}
	return &SigV4Verifier{
		Region:       region,
		MaxBodyBytes: DefaultMaxBodyBytes,
		secrets:      secrets,
		now:          time.Now,
		signingKeys:  make(map[string]signingKeyEntry),
	}
}

func (v *SigV4Verifier) signingKey(secret, date, region, svc string) []byte {
	cacheKey := secret + "\x00" + date + "\x00" + region + "\x00" + svc
	now := v.now()

	v.mu.RLock()
	if e, ok := v.signingKeys[cacheKey]; ok && now.Before(e.expiresAt) {
		v.mu.RUnlock()
		return e.key
	}
	v.mu.RUnlock()

	key := deriveSigningKey(secret, date, region, svc)
	v.mu.Lock()
	if len(v.signingKeys) >= maxCachedKeys {
		v.signingKeys = make(map[string]signingKeyEntry)
	}
	v.signingKeys[cacheKey] = signingKeyEntry{key: key, expiresAt: now.Add(signingKeyTTL)}
	v.mu.Unlock()
	return key
}

type parsedAuth struct {
	AccessKey     string
	Date          string
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// parseAuthorizationHeader parses
// "AWS4-HMAC-SHA256 Credential=AK/date/region/service/aws4_request, SignedHeaders=a;b, Signature=hex".
func parseAuthorizationHeader(header string) (*parsedAuth, error) {
	rest, ok := strings.CutPrefix(header, algorithm+" ")
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm")
	}
	fields := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			fields[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
	}

	credential := fields["Credential"]
	if credential == "" {
		return nil, fmt.Errorf("missing Credential")
	}
	signed := fields["SignedHeaders"]
	if signed == "" {
		return nil, fmt.Errorf("missing SignedHeaders")
	}
	signature := fields["Signature"]
	if signature == "" {
		return nil, fmt.Errorf("missing Signature")
	}

	scope := strings.SplitN(credential, "/", 5)
	if len(scope) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if scope[4] != scopeTerminator {
		return nil, fmt.Errorf("invalid credential scope terminator: %s", scope[4])
	}
	return &parsedAuth{
		AccessKey:     scope[0],
		Date:          scope[1],
		Region:        scope[2],
		Service:       scope[3],
		SignedHeaders: strings.Split(signed, ";"),
		Signature:     signature,
	}, nil
}

// VerifyRequest checks the Authorization header of r and returns the access
// key that signed it. A signed payload hash is checked against the body,
// which is replaced so handlers can still read it.
func (v *SigV4Verifier) VerifyRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &AuthError{Code: "MissingAuthentication", Message: "missing Authorization header"}
	}
	parsed, err := parseAuthorizationHeader(header)
	if err != nil {
		return "", &AuthError{Code: "IncompleteSignature", Message: fmt.Sprintf("invalid Authorization header: %v", err)}
	}
	if parsed.Service != Service {
		return "", &AuthError{Code: "IncompleteSignature", Message: fmt.Sprintf("credential scope service %q is not %q", parsed.Service, Service)}
	}
	secret, ok := v.secrets[parsed.AccessKey]
	if !ok {
		return "", &AuthError{Code: "InvalidAccessKeyId", Message: "unknown access key " + parsed.AccessKey}
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return "", &AuthError{Code: "MissingAuthentication", Message: "missing X-Amz-Date header"}
	}
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return "", &AuthError{Code: "IncompleteSignature", Message: "invalid X-Amz-Date"}
	}
	skew := v.now().UTC().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkewTolerance {
		return "", &AuthError{Code: "RequestTimeTooSkewed", Message: "request time differs from server time by " + skew.Round(time.Second).String()}
	}
	if parsed.Date != amzDate[:8] {
		return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "credential date does not match X-Amz-Date"}
	}

	body, err := v.readBody(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	declared := r.Header.Get("X-Amz-Content-Sha256")
	switch declared {
	case "":
		// Unset header means the signer hashed the body itself.
		declared = bodyHash
	case unsignedPayload:
	default:
		if subtle.ConstantTimeCompare([]byte(declared), []byte(bodyHash)) != 1 {
			return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "payload hash does not match X-Amz-Content-Sha256"}
		}
	}

	canonical := buildCanonicalRequest(r, parsed.SignedHeaders, declared)
	scope := fmt.Sprintf("%s/%s/%s/%s", parsed.Date, parsed.Region, parsed.Service, scopeTerminator)
	toSign := buildStringToSign(amzDate, scope, canonical)
	key := v.signingKey(secret, parsed.Date, parsed.Region, parsed.Service)
	expected := hex.EncodeToString(hmacSHA256(key, toSign))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parsed.Signature)) != 1 {
		return "", &AuthError{Code: "SignatureDoesNotMatch", Message: "the request signature does not match"}
	}
	return parsed.AccessKey, nil
}

func (v *SigV4Verifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limit := v.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "failed to read request body"}
	}
	if int64(len(body)) > limit {
		return nil, &AuthError{Code: "RequestTooLarge", Message: "request body exceeds " + strconv.FormatInt(limit, 10) + " bytes"}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// buildCanonicalRequest builds the SigV4 canonical request of r.
func buildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')
	sb.WriteString(canonicalQueryString(r.URL.Query()))
	sb.WriteByte('\n')
	sb.WriteString(canonicalHeaders(r, signedHeaders))
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')
	sb.WriteString(payloadHash)
	return sb.String()
}

func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(hash[:])
}

// deriveSigningKey runs the SigV4 HMAC chain.
func deriveSigningKey(secret, date, region, svc string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, svc)
	return hmacSHA256(k, scopeTerminator)
}

// canonicalURI encodes each path segment. An empty path is "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = URIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString sorts and encodes the query parameters.
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		k := URIEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, k+"=")
		}
		for _, val := range vals {
			pairs = append(pairs, k+"="+URIEncode(val, true))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders renders the signed headers. Host and Content-Length are
// taken from the request fields since net/http removes them from Header.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(name)
		var values []string
		switch name {
		case "host":
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			values = []string{host}
		case "content-length":
			values = r.Header.Values("Content-Length")
			if len(values) == 0 && r.ContentLength >= 0 {
				values = []string{strconv.FormatInt(r.ContentLength, 10)}
			}
		default:
			values = r.Header.Values(http.CanonicalHeaderKey(name))
		}
		joined := strings.TrimSpace(strings.Join(values, ","))
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// URIEncode percent-encodes everything except A-Z a-z 0-9 - _ . ~ and,
// unless encodeSlash is set, '/'.
func URIEncode(s string, encodeSlash bool) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// HasSignature reports whether r carries a SigV4 Authorization header.
func HasSignature(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), algorithm)
}
