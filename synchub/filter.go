package synchub

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Predicate decides if an entity matches a query or subscription filter
type Predicate func(entity json.RawMessage) bool

func matchAll(entity json.RawMessage) bool {
	return true
}

// filters use the gjson query condition syntax, e.g. `age>30`, `name=="Peter"`, `tags.#>0`.
// Multiple conditions can be chained with `&&` or `||` as in gjson queries.
func CompileFilter(filter string) Predicate {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return matchAll
	}
	path := "#(" + filter + ")"
	return func(entity json.RawMessage) bool {
		wrapped := make([]byte, 0, len(entity)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, entity...)
		wrapped = append(wrapped, ']')
		return gjson.GetBytes(wrapped, path).Exists()
	}
}

// `*` matches all names, `prefix*` matches names with the prefix, otherwise names must be equal
func MatchPattern(pattern string, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
