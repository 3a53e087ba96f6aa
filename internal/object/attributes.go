package object

import (
	"fmt"
	"sort"
)

// AttributeKind enumerates the attribute keys an object may carry.
type AttributeKind string

// Attribute kinds, in their canonical sort order.
const (
	ContentDisposition AttributeKind = "ContentDisposition"
	ContentEncoding    AttributeKind = "ContentEncoding"
	ContentLanguage    AttributeKind = "ContentLanguage"
	ContentType        AttributeKind = "ContentType"
	CacheControl       AttributeKind = "CacheControl"
	Metadata           AttributeKind = "Metadata"
)

var kindOrder = map[AttributeKind]int{
	ContentDisposition: 0,
	ContentEncoding:    1,
	ContentLanguage:    2,
	ContentType:        3,
	CacheControl:       4,
	Metadata:           5,
}

// Attribute is a single attribute key. Name is only used by Metadata keys.
type Attribute struct {
	Kind AttributeKind `json:"kind"`
	Name string        `json:"name,omitempty"`
}

// MetadataKey returns the user metadata attribute with the given name.
func MetadataKey(name string) Attribute {
	return Attribute{Kind: Metadata, Name: name}
}

// Less orders attributes by kind, then by metadata name.
func (a Attribute) Less(b Attribute) bool {
	if a.Kind != b.Kind {
		return kindOrder[a.Kind] < kindOrder[b.Kind]
	}
	return a.Name < b.Name
}

// Validate rejects unknown kinds and names on non-metadata kinds.
func (a Attribute) Validate() error {
	if _, ok := kindOrder[a.Kind]; !ok {
		return fmt.Errorf("unknown attribute kind %q", a.Kind)
	}
	if a.Kind != Metadata && a.Name != "" {
		return fmt.Errorf("attribute %s does not take a name", a.Kind)
	}
	if a.Kind == Metadata && a.Name == "" {
		return fmt.Errorf("metadata attribute requires a name")
	}
	return nil
}

// AttributeValue is one attribute entry.
type AttributeValue struct {
	Attribute
	Value string `json:"value"`
}

// Attributes is an ordered attribute map, kept sorted by key with no
// duplicate keys.
type Attributes []AttributeValue

// Get returns the value stored for key.
func (as Attributes) Get(key Attribute) (string, bool) {
	i := sort.Search(len(as), func(i int) bool { return !as[i].Attribute.Less(key) })
	if i < len(as) && as[i].Attribute == key {
		return as[i].Value, true
	}
	return "", false
}

// Set inserts or replaces key, keeping the slice ordered.
func (as Attributes) Set(key Attribute, value string) Attributes {
	i := sort.Search(len(as), func(i int) bool { return !as[i].Attribute.Less(key) })
	if i < len(as) && as[i].Attribute == key {
		as[i].Value = value
		return as
	}
	as = append(as, AttributeValue{})
	copy(as[i+1:], as[i:])
	as[i] = AttributeValue{Attribute: key, Value: value}
	return as
}

// Normalize sorts the attributes and drops earlier duplicates so the last
// value written for a key wins.
func (as Attributes) Normalize() (Attributes, error) {
	var out Attributes
	for _, a := range as {
		if err := a.Attribute.Validate(); err != nil {
			return nil, err
		}
		out = out.Set(a.Attribute, a.Value)
	}
	return out, nil
}

// Clone returns an independent copy.
func (as Attributes) Clone() Attributes {
	if as == nil {
		return nil
	}
	out := make(Attributes, len(as))
	copy(out, as)
	return out
}
