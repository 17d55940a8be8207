package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// exprPattern matches ${type.name.attr} interpolation expressions. The
// attribute part may itself be dotted for nested lookups.
var exprPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.([A-Za-z0-9_-]+)\.([A-Za-z0-9_.-]+)\}`)

// Reference is one parsed interpolation expression.
type Reference struct {
	// Resource is the referenced resource identity.
	Resource ResourceID

	// Attr is the dotted attribute path on the referenced resource.
	Attr string

	// Expr is the full expression text, e.g. "${vpc.main.id}".
	Expr string
}

// parseReferences extracts every interpolation expression from s.
func parseReferences(s string) []Reference {
	matches := exprPattern.FindAllStringSubmatch(s, -1)
	refs := make([]Reference, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Reference{
			Resource: ResourceID{Type: m[1], Name: m[2]},
			Attr:     m[3],
			Expr:     m[0],
		})
	}
	return refs
}

// References returns the resource identities referenced by interpolation
// expressions anywhere in attrs, deduplicated and in stable order.
func References(attrs map[string]any) []ResourceID {
	seen := make(map[ResourceID]struct{})
	walkStrings(attrs, func(s string) {
		for _, ref := range parseReferences(s) {
			seen[ref.Resource] = struct{}{}
		}
	})

	ids := make([]ResourceID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// HasUnresolved reports whether attrs still contains interpolation
// expressions.
func HasUnresolved(attrs map[string]any) bool {
	found := false
	walkStrings(attrs, func(s string) {
		if exprPattern.MatchString(s) {
			found = true
		}
	})
	return found
}

// AttrLookup resolves a referenced resource's attribute value. The second
// return value reports whether the value is known.
type AttrLookup func(id ResourceID, attr string) (any, bool)

// ResolveAttributes returns a copy of attrs with interpolation expressions
// replaced through lookup, plus the expressions that remain unresolved.
// A string consisting of a single expression is replaced by the raw value;
// expressions embedded in longer strings are rendered with %v.
func ResolveAttributes(attrs map[string]any, lookup AttrLookup) (map[string]any, []string) {
	var unresolved []string
	resolved := resolveValue(attrs, lookup, &unresolved).(map[string]any)
	sort.Strings(unresolved)
	return resolved, unresolved
}

func resolveValue(v any, lookup AttrLookup, unresolved *[]string) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, lookup, unresolved)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolveValue(inner, lookup, unresolved)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolveValue(inner, lookup, unresolved)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, lookup AttrLookup, unresolved *[]string) any {
	refs := parseReferences(s)
	if len(refs) == 0 {
		return s
	}

	// Whole-string expression keeps the referenced value's type.
	if len(refs) == 1 && refs[0].Expr == s {
		if v, ok := lookup(refs[0].Resource, refs[0].Attr); ok {
			return v
		}
		*unresolved = append(*unresolved, s)
		return s
	}

	out := s
	for _, ref := range refs {
		v, ok := lookup(ref.Resource, ref.Attr)
		if !ok {
			*unresolved = append(*unresolved, ref.Expr)
			continue
		}
		out = strings.ReplaceAll(out, ref.Expr, fmt.Sprintf("%v", v))
	}
	return out
}

// LookupAttr walks a dotted attribute path through nested maps.
func LookupAttr(attrs map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = attrs
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, inner := range val {
			walkStrings(inner, fn)
		}
	case []any:
		for _, inner := range val {
			walkStrings(inner, fn)
		}
	}
}
