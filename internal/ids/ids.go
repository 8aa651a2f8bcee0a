package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier suitable for record and
// journal keys. ULIDs keep insertion order roughly chronological, which makes
// journal scans and log correlation cheap.
func New() string {
	return ulid.Make().String()
}
