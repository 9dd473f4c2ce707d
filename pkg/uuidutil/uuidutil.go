// Package uuidutil derives stable, content-addressed UUIDs for entities
// whose identity is defined by a hash of their payload rather than by a
// randomly generated value.
package uuidutil

import (
	"crypto/sha512"
	"encoding/hex"

	"github.com/google/uuid"
)

// FromSHA512 hashes data with SHA-512 and formats the first 16 bytes of
// the digest as a UUID with the version nibble set to 5 and the variant
// bits set to RFC 4122 (10xx). The result is deterministic: hashing the
// same bytes twice always yields the same UUID, which is what lets
// duplicate "create" requests on recovery configurations and recovery
// tokens deduplicate naturally instead of through a separate index.
func FromSHA512(data []byte) uuid.UUID {
	sum := sha512.Sum512(data)
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x50 // version 5
	id[8] = (id[8] & 0x3f) | 0x80 // variant 10
	return id
}

// FromSHA512Hex is FromSHA512 rendered as a lowercase hyphenated string.
func FromSHA512Hex(data []byte) string {
	return FromSHA512(data).String()
}

// HexEncode renders raw bytes as lowercase hex, the wire format used for
// PIV GUIDs and recovery token bodies.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
