package portal

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// PageResult is the outcome of extracting one listing page. Fingerprint is
// the page-identity hash compared by the corruption detector.
type PageResult struct {
	Page        int
	Records     []RawRecord
	Fingerprint string
	HasMore     bool
	FetchedAt   time.Time
}

// RecordIDs returns the tender identifiers visible on the page, in listing
// order.
func (p PageResult) RecordIDs() []string {
	ids := make([]string, 0, len(p.Records))
	for _, r := range p.Records {
		ids = append(ids, r.TenderID)
	}
	return ids
}

// Fingerprint hashes a set of record identifiers into a stable page
// identity. Order-insensitive: the portal occasionally reorders rows within
// a page without changing its contents.
func Fingerprint(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}
