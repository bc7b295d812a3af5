package gallery

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// IdentityName turns a gallery directory name into the identity key. Composed and
// decomposed spellings of the same name map to the same key.
func IdentityName(dir string) string {
	return norm.NFC.String(strings.TrimSpace(dir))
}

// DisplayName is the human form of an identity: underscores become spaces
// ("Tom_Hanks" -> "Tom Hanks").
func DisplayName(identity string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(identity, "_", " ")), " ")
}

// RemoveDiacritics strips combining marks ("Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}
