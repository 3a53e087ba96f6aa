// Package uid generates unique identifiers for request ids and temp files.
package uid

import "github.com/rs/xid"

// New returns a 20-character, k-sortable, URL-safe unique id.
func New() string {
	return xid.New().String()
}
