// Package validation holds small checks shared by descriptor loading and the
// repositories.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// maxIdentifierLen is the Postgres limit; MySQL allows 64 and SQLite more.
const maxIdentifierLen = 63

// IsIdentifier reports whether s is a plain SQL identifier that can be quoted
// without escaping on every supported database.
func IsIdentifier(s string) bool {
	return len(s) <= maxIdentifierLen && identifierPattern.MatchString(s)
}

// Identifier returns an error naming the field when value is not an identifier.
func Identifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !IsIdentifier(value) {
		return fmt.Errorf("%s %q is not a valid identifier", field, value)
	}
	return nil
}

// CamelCaseToSnakeCase converts "BuildOrder" to "build_order" and
// "XMLParser" to "xml_parser".
func CamelCaseToSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevIsLower := i > 0 && unicode.IsLower(runes[i-1])
			prevIsUpper := i > 0 && unicode.IsUpper(runes[i-1])
			nextIsLower := i < len(runes)-1 && unicode.IsLower(runes[i+1])
			if prevIsLower || (prevIsUpper && nextIsLower) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
