package sharing

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Platform-imposed name length limits.
const (
	maxDatabaseNameLen    = 254
	maxAccessPointNameLen = 50
)

const sharedSuffix = "_shared"

// SharedDatabaseName derives the name of the database created in the target
// account from the source database name. Deterministic so repeated runs land
// on the same database.
func SharedDatabaseName(sourceDB string) string {
	return truncate(sourceDB, maxDatabaseNameLen-len(sharedSuffix)) + sharedSuffix
}

// LegacySharedDatabaseName is the older per-share naming scheme. Kept only
// so revoke can recognize and tear down databases created before the rename;
// new grants never use it.
func LegacySharedDatabaseName(sourceDB, shareID string) string {
	suffix := sharedSuffix + "_" + shareID
	return truncate(sourceDB, maxDatabaseNameLen-len(suffix)) + suffix
}

// IsLegacySharedDatabase reports whether name follows the per-share scheme.
func IsLegacySharedDatabase(name, shareID string) bool {
	return strings.HasSuffix(name, sharedSuffix+"_"+shareID)
}

// ResourceLinkName derives the name of the resource link for a table. A data
// filter attached to the item gets its own link so filtered and unfiltered
// consumers never collide.
func ResourceLinkName(tableName, filterLabel string) string {
	if filterLabel == "" {
		return tableName
	}
	return tableName + "_" + Slugify(filterLabel, '_')
}

// AccessPointName derives the S3 access point name for a folder share from
// the dataset and share identifiers. Access point names must be lowercase
// alphanumeric-plus-hyphen and at most 50 characters.
func AccessPointName(datasetID, shareID string) string {
	return truncate(Slugify(datasetID+"-"+shareID, '-'), maxAccessPointNameLen)
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify lowercases s, folds away diacritics and replaces every run of
// non-alphanumeric characters with sep. Stable across runs for the same
// input.
func Slugify(s string, sep rune) string {
	folded, _, err := transform.String(foldMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteRune(sep)
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
