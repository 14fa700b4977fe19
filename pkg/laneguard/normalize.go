package laneguard

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// identity scans are defeated by Unicode confusables unless the caller string is
// normalized first: NFKC folds compatibility forms (fullwidth, ligatures), the
// case fold handles locale-independent lowercasing.
var foldCaser = cases.Fold()

// normalizeIdentity returns the canonical, case-folded form of a caller identity
// used for runtime-identifier and internal-service substring scans. The original
// string is preserved in results; only matching uses the normalized form.
func normalizeIdentity(s string) string {
	return foldCaser.String(norm.NFKC.String(s))
}
