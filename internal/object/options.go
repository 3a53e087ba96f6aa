package object

import (
	"fmt"
	"strings"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
)

// PutModeKind selects the write semantics of put_opts.
type PutModeKind string

const (
	// ModeOverwrite replaces whatever is stored at the path.
	ModeOverwrite PutModeKind = "Overwrite"
	// ModeCreate fails with AlreadyExists if the path is taken.
	ModeCreate PutModeKind = "Create"
	// ModeUpdate is a compare-and-swap against the current etag.
	ModeUpdate PutModeKind = "Update"
)

// PutMode is the write mode of put_opts. ETag and Version are only read
// for ModeUpdate.
type PutMode struct {
	Kind    PutModeKind `json:"kind"`
	ETag    *string     `json:"e_tag,omitempty"`
	Version *string     `json:"version,omitempty"`
}

// Overwrite returns the default write mode.
func Overwrite() PutMode { return PutMode{Kind: ModeOverwrite} }

// Create returns the create-only write mode.
func Create() PutMode { return PutMode{Kind: ModeCreate} }

// Update returns a conditional write mode expecting etag.
func Update(etag string, version *string) PutMode {
	return PutMode{Kind: ModeUpdate, ETag: &etag, Version: version}
}

// PutOptions configures put_opts.
type PutOptions struct {
	Mode       PutMode    `json:"mode"`
	Tags       string     `json:"tags,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
	AESNonce   *Nonce     `json:"aes_nonce,omitempty"`
	AESTags    []Tag      `json:"aes_tags,omitempty"`
}

// PutMultipartOpts configures complete_multipart.
type PutMultipartOpts struct {
	Tags       string     `json:"tags,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
	AESNonce   *Nonce     `json:"aes_nonce,omitempty"`
	AESTags    []Tag      `json:"aes_tags,omitempty"`
}

// GetOptions configures get_opts.
type GetOptions struct {
	// IfMatch succeeds only if the etag matches ("*" or a comma list).
	IfMatch *string `json:"if_match,omitempty"`
	// IfNoneMatch fails with NotModified if the etag matches.
	IfNoneMatch *string `json:"if_none_match,omitempty"`
	// IfModifiedSince fails with NotModified unless modified after it (ms).
	IfModifiedSince *uint64 `json:"if_modified_since,omitempty"`
	// IfUnmodifiedSince fails with Precondition if modified after it (ms).
	IfUnmodifiedSince *uint64 `json:"if_unmodified_since,omitempty"`
	// Range restricts the returned bytes.
	Range *GetRange `json:"range,omitempty"`
	// Version requests a specific version. Only the latest is stored.
	Version *string `json:"version,omitempty"`
	// Head returns metadata only.
	Head bool `json:"head,omitempty"`
}

// CheckPreconditions evaluates the conditional fields against meta.
// if_match takes precedence over if_unmodified_since and if_none_match
// over if_modified_since.
func (o *GetOptions) CheckPreconditions(meta *ObjectMeta) error {
	etag := "*"
	if meta.ETag != nil {
		etag = *meta.ETag
	}
	lastModified := meta.LastModified

	if o.IfMatch != nil {
		m := *o.IfMatch
		if m != "*" && !etagListContains(m, etag) {
			return storeerr.Precondition(meta.Location, fmt.Sprintf("%s does not match %s", etag, m))
		}
	} else if o.IfUnmodifiedSince != nil {
		date := *o.IfUnmodifiedSince
		if lastModified > date {
			return storeerr.Precondition(meta.Location, fmt.Sprintf("%d < %d", date, lastModified))
		}
	}

	if o.IfNoneMatch != nil {
		m := *o.IfNoneMatch
		if m == "*" || etagListContains(m, etag) {
			return storeerr.NotModified(meta.Location, fmt.Sprintf("%s matches %s", etag, m))
		}
	} else if o.IfModifiedSince != nil {
		date := *o.IfModifiedSince
		if lastModified <= date {
			return storeerr.NotModified(meta.Location, fmt.Sprintf("%d >= %d", date, lastModified))
		}
	}
	return nil
}

func etagListContains(list, etag string) bool {
	for _, v := range strings.Split(list, ",") {
		if strings.TrimSpace(v) == etag {
			return true
		}
	}
	return false
}
