package cql

import (
	"fmt"
)

// validateUnit performs a syntactic UCUM check: annotations and brackets must
// balance and only UCUM symbol characters may appear outside annotations.
// CQL calendar duration keywords (year, months, ...) pass as plain atoms.
func validateUnit(unit string) error {
	if unit == "" {
		return fmt.Errorf("invalid UCUM unit: empty unit")
	}
	var brackets, parens int
	inAnnotation := false
	for _, r := range unit {
		if inAnnotation {
			if r == '}' {
				inAnnotation = false
			} else if r < 0x21 || r > 0x7e {
				return fmt.Errorf("invalid UCUM unit %q: bad character in annotation", unit)
			}
			continue
		}
		switch {
		case r == '{':
			inAnnotation = true
		case r == '}':
			return fmt.Errorf("invalid UCUM unit %q: unbalanced annotation", unit)
		case r == '[':
			brackets++
		case r == ']':
			brackets--
			if brackets < 0 {
				return fmt.Errorf("invalid UCUM unit %q: unbalanced brackets", unit)
			}
		case r == '(':
			parens++
		case r == ')':
			parens--
			if parens < 0 {
				return fmt.Errorf("invalid UCUM unit %q: unbalanced parentheses", unit)
			}
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '/', r == '\'', r == '%', r == '*', r == '^', r == '+', r == '-', r == '_':
		default:
			return fmt.Errorf("invalid UCUM unit %q: unexpected character %q", unit, r)
		}
	}
	if inAnnotation || brackets != 0 || parens != 0 {
		return fmt.Errorf("invalid UCUM unit %q: unterminated group", unit)
	}
	return nil
}
