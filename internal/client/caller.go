package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/bleepstore/chunkvault/internal/auth"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/handlers"
	"github.com/bleepstore/chunkvault/internal/object"
	"github.com/bleepstore/chunkvault/internal/wire"
)

// Caller sends one RPC. args is marshalled as the JSON request body and the
// JSON result is decoded into out unless out is nil.
type Caller interface {
	Call(ctx context.Context, method string, args, out any) error
}

// Worst-case JSON sizes of the parts of one object entry.
const (
	// tagJSONBytes is one base64 AES tag with quotes and separator.
	tagJSONBytes = 32
	// entryJSONBytes covers the location, attributes and remaining fields.
	entryJSONBytes = 64 << 10
)

// MaxResponseBytes is the default bound on a response body: a full list
// page whose entries each carry MaxParts AES tags. A get_ranges window of
// MaxPayloadSize base64-encoded is well below it.
const MaxResponseBytes = object.MaxListLimit * (object.MaxParts*tagJSONBytes + entryJSONBytes)

// HTTPCaller posts JSON to {Endpoint}/v1/{method}, signed with SigV4 when
// credentials are set.
type HTTPCaller struct {
	endpoint    string
	region      string
	credentials *aws.Credentials
	httpClient  *http.Client
	signer      *v4.Signer
	maxResponse int64
}

// HTTPOption configures an HTTPCaller.
type HTTPOption func(*HTTPCaller)

// WithCredentials signs every request with the given access key pair.
func WithCredentials(accessKey, secretKey string) HTTPOption {
	return func(c *HTTPCaller) {
		c.credentials = &aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}
	}
}

// WithRegion sets the SigV4 region. The default is us-east-1.
func WithRegion(region string) HTTPOption {
	return func(c *HTTPCaller) {
		c.region = region
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPCaller) {
		c.httpClient = hc
	}
}

// WithResponseLimit replaces MaxResponseBytes as the largest accepted
// response body.
func WithResponseLimit(n int64) HTTPOption {
	return func(c *HTTPCaller) {
		c.maxResponse = n
	}
}

// NewHTTPCaller returns a caller for the server at endpoint.
func NewHTTPCaller(endpoint string, opts ...HTTPOption) *HTTPCaller {
	c := &HTTPCaller{
		endpoint:    strings.TrimRight(endpoint, "/"),
		region:      "us-east-1",
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		signer:      v4.NewSigner(),
		maxResponse: MaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call implements Caller.
func (c *HTTPCaller) Call(ctx context.Context, method string, args, out any) error {
	if args == nil {
		args = handlers.Empty{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.credentials != nil {
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		req.Header.Set("X-Amz-Content-Sha256", hash)
		if err := c.signer.SignHTTP(ctx, *c.credentials, req, hash, auth.Service, c.region, time.Now()); err != nil {
			return fmt.Errorf("signing %s request: %w", method, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}
	if int64(len(data)) > c.maxResponse {
		return storeerr.Generic("%s response exceeds %d bytes", method, c.maxResponse)
	}
	if resp.StatusCode != http.StatusOK {
		return wire.DecodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return storeerr.Generic("decoding %s response: %v", method, err)
	}
	return nil
}

// LocalCaller dispatches to an in-process handler table as Identity.
type LocalCaller struct {
	Service  *handlers.Service
	Identity string
}

// Call implements Caller. Requests and results take the same JSON round
// trip as over HTTP.
func (c *LocalCaller) Call(ctx context.Context, method string, args, out any) error {
	if args == nil {
		args = handlers.Empty{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	data, err := c.Service.Invoke(auth.WithCaller(ctx, c.Identity), method, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return storeerr.Generic("decoding %s response: %v", method, err)
	}
	return nil
}
