package metadata

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/bleepstore/chunkvault/internal/object"
)

// encMode produces deterministic CBOR so equal records encode to equal bytes.
var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// StateKind tells a committed object from an in-progress multipart upload.
type StateKind uint8

const (
	// StateCommitted marks a visible object whose size is known.
	StateCommitted StateKind = iota
	// StateInProgress marks a multipart upload that has not been completed.
	StateInProgress
)

// LocationState is the tagged state of a path.
type LocationState struct {
	Kind StateKind `cbor:"k"`
	// Size is the logical size of a committed object.
	Size uint64 `cbor:"s,omitempty"`
	// PartsSeen is one past the highest part index stored so far.
	PartsSeen uint32 `cbor:"p,omitempty"`
}

// Committed returns the state of a visible object of the given size.
func Committed(size uint64) LocationState {
	return LocationState{Kind: StateCommitted, Size: size}
}

// InProgress returns the state of an upload that has seen parts parts.
func InProgress(parts uint32) LocationState {
	return LocationState{Kind: StateInProgress, PartsSeen: parts}
}

// IsCommitted reports whether the state is Committed.
func (s LocationState) IsCommitted() bool { return s.Kind == StateCommitted }

func (s LocationState) String() string {
	if s.IsCommitted() {
		return fmt.Sprintf("Committed(%d)", s.Size)
	}
	return fmt.Sprintf("InProgress(%d)", s.PartsSeen)
}

// LocationEntry maps a path to its object id and state.
type LocationEntry struct {
	ID    uint64        `cbor:"i"`
	State LocationState `cbor:"st"`
}

// ObjectRecord is the stored metadata of one object id.
type ObjectRecord struct {
	LastModified uint64            `cbor:"m"`
	Size         uint64            `cbor:"s"`
	Tags         string            `cbor:"t,omitempty"`
	Attributes   object.Attributes `cbor:"a,omitempty"`
	Version      *string           `cbor:"v,omitempty"`
	AESNonce     *object.Nonce     `cbor:"an,omitempty"`
	AESTags      []object.Tag      `cbor:"at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *ObjectRecord) Clone() *ObjectRecord {
	c := *r
	c.Attributes = r.Attributes.Clone()
	if r.Version != nil {
		v := *r.Version
		c.Version = &v
	}
	if r.AESNonce != nil {
		n := *r.AESNonce
		c.AESNonce = &n
	}
	if r.AESTags != nil {
		c.AESTags = append([]object.Tag(nil), r.AESTags...)
	}
	return &c
}

// StateRecord is the persisted engine state.
type StateRecord struct {
	Name     string   `cbor:"n"`
	NextETag uint64   `cbor:"e"`
	Managers []string `cbor:"mg,omitempty"`
	Auditors []string `cbor:"au,omitempty"`
}
