package sqldb

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// QuoteIdentifier validates and quotes an identifier with the given quote
// character. A single "schema.table" qualifier is allowed; each segment is
// quoted separately.
func QuoteIdentifier(name string, quote byte) (string, error) {
	if quote == 0 {
		quote = '"'
	}
	segments := strings.Split(name, ".")
	if len(segments) > 2 {
		return "", fmt.Errorf("invalid identifier format (too many segments): %s", name)
	}

	quoted := make([]string, len(segments))
	for i, segment := range segments {
		if !identifierPattern.MatchString(segment) {
			return "", fmt.Errorf("invalid identifier segment at position %d: %q", i, segment)
		}
		quoted[i] = string(quote) + segment + string(quote)
	}
	return strings.Join(quoted, "."), nil
}

// QuoteString renders s as a single-quoted SQL literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Quoter quotes a series of identifiers and keeps the first error, so a
// statement can be assembled before checking once.
type Quoter struct {
	Quote byte
	Err   error
}

func (q *Quoter) Ident(name string) string {
	quoted, err := QuoteIdentifier(name, q.Quote)
	if err != nil && q.Err == nil {
		q.Err = err
	}
	return quoted
}
