package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// ResolutionHash computes the idempotency key for a resolution. Two records
// with the same normalized place text, classifier version, reasoning model
// and schema version hash identically, so an unchanged record can be skipped
// on re-runs. Changing any input that could change the answer changes the
// hash.
func ResolutionHash(placeName, classifierVersion, modelID string) string {
	input := strings.Join([]string{
		normalizePlace(placeName),
		classifierVersion,
		modelID,
		SchemaVersion,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", sum)[:16]
}

// normalizePlace lowercases and collapses interior whitespace so formatting
// differences don't defeat the hash.
func normalizePlace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
