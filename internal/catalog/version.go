package catalog

import (
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// familyVersionPattern pulls the trailing dash-separated numeric run off a
// model id, e.g. "claude-opus-4-6" -> family "claude-opus", suffix "4-6".
var familyVersionPattern = regexp.MustCompile(`^(.*?)-((?:\d+-)*\d+)$`)

// FamilyVersion splits a model id into its family name and a parsed
// version, when the id ends in a dash-separated numeric run (the pattern
// used by same-family snapshots like "gpt-4o-2024-11-20" or
// "claude-opus-4-6"). It is used to order same-family candidates by
// recency when a strategy's fixed rank table ties.
func FamilyVersion(id string) (family string, v *version.Version, ok bool) {
	name := id
	if i := strings.IndexByte(id, '/'); i >= 0 {
		name = id[i+1:]
	}
	m := familyVersionPattern.FindStringSubmatch(name)
	if m == nil {
		return "", nil, false
	}
	dotted := strings.ReplaceAll(m[2], "-", ".")
	parsed, err := version.NewVersion(dotted)
	if err != nil {
		return "", nil, false
	}
	return m[1], parsed, true
}

// NewerSnapshot reports whether a is a more recent same-family snapshot
// than b. Models from different families are never comparable and this
// returns false.
func NewerSnapshot(a, b string) bool {
	famA, verA, okA := FamilyVersion(a)
	famB, verB, okB := FamilyVersion(b)
	if !okA || !okB || famA != famB {
		return false
	}
	return verA.GreaterThan(verB)
}
