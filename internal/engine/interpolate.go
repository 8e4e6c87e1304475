package engine

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// variableRefPattern matches ${name} and ${nested.path} references inside
// text and rendered instructions.
var variableRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// interpolate substitutes ${ref} occurrences from the variable mapping.
// Unresolved references are left in place and reported so the compile can
// fail with the full list instead of the first miss.
func interpolate(s string, vars map[string]interface{}, missing map[string]bool) string {
	return variableRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := match[2 : len(match)-1]
		value, ok := lookupPath(vars, strings.Split(ref, "."))
		if !ok {
			missing[ref] = true
			return match
		}
		return formatValue(value)
	})
}

// formatValue renders a variable value into prompt text. Compound values
// are emitted as compact JSON so the substitution stays unambiguous.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// mergeVariables layers override values on top of base, merging nested
// objects key by key. Neither input is modified.
func mergeVariables(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		oMap, oOK := v.(map[string]interface{})
		bMap, bOK := merged[k].(map[string]interface{})
		if oOK && bOK {
			merged[k] = mergeVariables(bMap, oMap)
			continue
		}
		merged[k] = v
	}
	return merged
}

// sortedRefs returns the unresolved reference set in stable order for
// error messages.
func sortedRefs(missing map[string]bool) []string {
	refs := make([]string, 0, len(missing))
	for ref := range missing {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
