// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
)

// Tag computes a compact 4-byte hash of an identifier (session ID, user ID)
// for log prefixes. The hash is used solely for identification and does not
// need to be reversible.
func Tag(id string) string {
	if id == "" {
		return "--------"
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("%08x", h.Sum32())
}
