package engine

import (
	"fmt"
	"regexp"
	"sort"
)

// Instruction markers wrapping every expanded placeholder in the compiled
// prompt. Author text containing either sequence is flagged during
// validation as a marker injection attempt.
const (
	markerStart = "([{<"
	markerEnd   = ">}])"
)

// SourceBase and SourceCustom label where a resolved instruction type came
// from; types from fetched schemas are labelled with the schema URL.
const (
	SourceBase   = "base"
	SourceCustom = "custom"
)

// InstructionType is a resolved, renderable instruction type.
type InstructionType struct {
	Name        string
	Template    string
	Description string
	Source      string
}

// TypeOverride records one instruction type shadowing another during
// resolution, so compiles can report where a definition actually came from.
type TypeOverride struct {
	TypeName         string `json:"type_name"`
	OverrideSource   string `json:"override_source"`
	OverriddenSource string `json:"overridden_source"`
}

// baseInstructionTypes returns the built-in standard types. Schema fetches
// and custom types layer on top of these.
func baseInstructionTypes() map[string]InstructionType {
	defs := map[string]string{
		"paragraph":     "Write a paragraph using this description: {description}",
		"sentence":      "Write a single sentence using this description: {description}",
		"title":         "Write a short title using this description: {description}",
		"list":          "Create a bullet-point list using this description: {description}",
		"numbered_list": "Create a numbered list using this description: {description}",
		"table":         "Create a table using this description: {description}",
		"code_block":    "Write a code example using this description: {description}",
		"quote":         "Write a quotation using this description: {description}",
		"summary":       "Write a concise summary using this description: {description}",
	}
	types := make(map[string]InstructionType, len(defs))
	for name, tmpl := range defs {
		types[name] = InstructionType{Name: name, Template: tmpl, Source: SourceBase}
	}
	return types
}

// typeResolution is the outcome of layering base, extended and custom
// instruction types for one template.
type typeResolution struct {
	types     map[string]InstructionType
	overrides []TypeOverride
}

// resolveTypes layers instruction type sources in precedence order: built-in
// base types first, then each extends schema in listed order, then the
// template's own custom types. Later layers win and every shadowing is
// recorded as an override.
func resolveTypes(base map[string]InstructionType, fetched []fetchedSchema, custom map[string]TypeDef) typeResolution {
	res := typeResolution{types: make(map[string]InstructionType, len(base))}
	for name, t := range base {
		res.types[name] = t
	}

	for _, schema := range fetched {
		for _, name := range sortedTypeNames(schema.types) {
			def := schema.types[name]
			res.layer(InstructionType{
				Name:        name,
				Template:    def.Template,
				Description: def.Description,
				Source:      schema.url,
			})
		}
	}

	for _, name := range sortedDefNames(custom) {
		def := custom[name]
		res.layer(InstructionType{
			Name:        name,
			Template:    def.Template,
			Description: def.Description,
			Source:      SourceCustom,
		})
	}

	sort.Slice(res.overrides, func(i, j int) bool {
		return res.overrides[i].TypeName < res.overrides[j].TypeName
	})
	return res
}

func (r *typeResolution) layer(t InstructionType) {
	if previous, exists := r.types[t.Name]; exists {
		r.overrides = append(r.overrides, TypeOverride{
			TypeName:         t.Name,
			OverrideSource:   t.Source,
			OverriddenSource: previous.Source,
		})
	}
	r.types[t.Name] = t
}

func sortedTypeNames(m map[string]TypeDef) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedDefNames(m map[string]TypeDef) []string {
	return sortedTypeNames(m)
}

// configRefPattern matches {key} slots inside instruction type templates.
var configRefPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// renderInstruction fills an instruction type's template from the
// placeholder's config. Unfilled slots stay in place and are reported as
// warnings so authors can see which config keys the type expects.
func renderInstruction(t InstructionType, cfg map[string]interface{}) (string, []string) {
	var warnings []string
	seen := make(map[string]bool)
	rendered := configRefPattern.ReplaceAllStringFunc(t.Template, func(match string) string {
		key := match[1 : len(match)-1]
		value, ok := cfg[key]
		if !ok {
			if !seen[key] {
				seen[key] = true
				warnings = append(warnings,
					fmt.Sprintf("instruction type %q expects config key %q", t.Name, key))
			}
			return match
		}
		return formatValue(value)
	})
	return markerStart + "INSTRUCTION: " + rendered + markerEnd, warnings
}
