package sync

import (
	"encoding/json"
	"reflect"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// metadataFields are maintained by the server and never count as edits.
var metadataFields = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
	"version":    true,
}

// valuesEqual compares two decoded JSON values structurally. Strings compare
// in NFC so composed and decomposed spellings of the same name are equal, and
// all numeric kinds compare as float64.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case string:
		return norm.NFC.String(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}

		return x.String()
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[norm.NFC.String(k)] = normalizeValue(e)
		}

		return out
	case Record:
		return normalizeValue(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}

		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = norm.NFC.String(e)
		}

		return out
	default:
		return v
	}
}

// changedFields returns the sorted, non-metadata fields of candidate whose
// value differs from base. Only keys present in candidate are considered.
func changedFields(base, candidate Record, ignore map[string]bool) []string {
	var out []string

	for k, v := range candidate {
		if metadataFields[k] || ignore[k] {
			continue
		}

		if bv, ok := base[k]; !ok || !valuesEqual(bv, v) {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

// diffFields returns the sorted, non-metadata fields that differ between a
// and b, including fields present on only one side.
func diffFields(a, b Record, ignore map[string]bool) []string {
	seen := make(map[string]bool, len(a)+len(b))

	var out []string

	check := func(k string) {
		if seen[k] || metadataFields[k] || ignore[k] {
			return
		}

		seen[k] = true

		av, aok := a[k]
		bv, bok := b[k]

		if aok != bok || !valuesEqual(av, bv) {
			out = append(out, k)
		}
	}

	for k := range a {
		check(k)
	}

	for k := range b {
		check(k)
	}

	sort.Strings(out)

	return out
}

// recordFields returns the sorted non-metadata keys of r.
func recordFields(r Record, ignore map[string]bool) []string {
	out := make([]string, 0, len(r))

	for k := range r {
		if !metadataFields[k] && !ignore[k] {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

func fieldSet(fields []string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}

	return m
}
