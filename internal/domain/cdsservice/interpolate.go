package cdsservice

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholder = regexp.MustCompile(`\$\{[^}]+\}`)

// ResultSet is one patient's expression results, addressable by dotted path.
type ResultSet struct {
	values map[string]interface{}
	doc    []byte
}

// NewResultSet encodes the results once so that every lookup runs against
// the same JSON document.
func NewResultSet(values map[string]interface{}) (*ResultSet, error) {
	doc, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode expression results: %w", err)
	}
	return &ResultSet{values: values, doc: doc}, nil
}

// Has reports whether the first segment of the dotted path names a result,
// even one whose value is null.
func (rs *ResultSet) Has(expr string) bool {
	name, _, _ := strings.Cut(expr, ".")
	_, ok := rs.values[name]
	return ok
}

// Lookup resolves a dotted path such as "Recommendation.text" or "Items.0".
func (rs *ResultSet) Lookup(expr string) gjson.Result {
	return gjson.GetBytes(rs.doc, gjsonPath(expr))
}

// Truthy resolves expr and applies the usual truthiness rules: missing, null,
// false, zero and the empty string are false. Objects and lists, even empty
// ones, are true.
func (rs *ResultSet) Truthy(expr string) bool {
	r := rs.Lookup(expr)
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return false
	}
}

// Interpolate returns a copy of v with ${path} placeholders replaced. A string
// that is exactly one placeholder takes the resolved value with its own type.
// A placeholder inside a longer string is replaced by its text form. Paths
// that resolve to nothing become the empty string.
func (rs *ResultSet) Interpolate(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		return rs.interpolateString(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = rs.Interpolate(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = rs.Interpolate(item)
		}
		return out
	default:
		return v
	}
}

func (rs *ResultSet) interpolateString(s string) interface{} {
	if loc := placeholder.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		r := rs.Lookup(expression(s))
		if !r.Exists() || r.Type == gjson.Null {
			return ""
		}
		return r.Value()
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		r := rs.Lookup(expression(m))
		if r.Type == gjson.Null {
			return ""
		}
		return r.String()
	})
}

func expression(m string) string {
	return m[2 : len(m)-1]
}

// gjsonPath escapes the gjson metacharacters of every segment so that
// expression names are matched literally.
func gjsonPath(expr string) string {
	parts := strings.Split(expr, ".")
	for i, p := range parts {
		var sb strings.Builder
		for _, r := range p {
			if strings.ContainsRune(`\*?|#@!=<>%{}[]()"`, r) {
				sb.WriteByte('\\')
			}
			sb.WriteRune(r)
		}
		parts[i] = sb.String()
	}
	return strings.Join(parts, ".")
}
