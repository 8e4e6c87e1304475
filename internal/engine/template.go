package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
	"github.com/alexanderparker/its-compiler-go/internal/version"
)

// Element kinds accepted in a template's content array.
const (
	ElementText        = "text"
	ElementPlaceholder = "placeholder"
	ElementConditional = "conditional"
)

// Template is the parsed form of an ITS template file.
type Template struct {
	Schema      string                 `json:"$schema"`
	Version     string                 `json:"version"`
	Description string                 `json:"description"`
	Extends     []string               `json:"extends"`
	CustomTypes map[string]TypeDef     `json:"customInstructionTypes"`
	Variables   map[string]interface{} `json:"variables"`
	Content     []Element              `json:"content"`
}

// TypeDef is the definition of an instruction type, either from a
// template's customInstructionTypes block or from a fetched schema.
type TypeDef struct {
	Template    string `json:"template"`
	Description string `json:"description"`
}

// Element is one node of a template's content tree. Type selects which of
// the remaining fields are meaningful.
type Element struct {
	Type            string                 `json:"type"`
	Text            string                 `json:"text"`
	InstructionType string                 `json:"instructionType"`
	Config          map[string]interface{} `json:"config"`
	Condition       string                 `json:"condition"`
	Content         []Element              `json:"content"`
	Else            []Element              `json:"else"`
}

// TemplateStats summarises the static shape of a template's content tree.
// Both branches of a conditional are counted since either may run.
type TemplateStats struct {
	ContentElements  int `json:"content_elements"`
	TextElements     int `json:"text_elements"`
	Placeholders     int `json:"placeholders"`
	Conditionals     int `json:"conditionals"`
	MaxNestingDepth  int `json:"max_nesting_depth"`
	CustomTypeCount  int `json:"custom_type_count"`
	SchemaReferences int `json:"schema_references"`
}

// knownTopLevelKeys are the template properties the compiler understands.
// Anything else is reported as a validation warning, not an error, so that
// templates written against newer minor schema revisions still compile.
var knownTopLevelKeys = map[string]bool{
	"$schema":                true,
	"version":                true,
	"description":            true,
	"metadata":               true,
	"extends":                true,
	"customInstructionTypes": true,
	"variables":              true,
	"content":                true,
	"compilerConfig":         true,
}

// parseTemplate decodes raw template bytes. A decode failure is reported as
// a validation finding by the caller, so the error here is plain.
func parseTemplate(data []byte) (*Template, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, nil, fmt.Errorf("invalid template structure: %w", err)
	}

	var warnings []string
	for _, key := range sortedKeys(raw) {
		if !knownTopLevelKeys[key] {
			warnings = append(warnings, fmt.Sprintf("unknown top-level property %q ignored", key))
		}
	}
	return &tpl, warnings, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// loadTemplateFile reads and size-checks a template file. Missing files are
// input errors; oversized files are security errors so that the processing
// limits hold before any parsing happens.
func loadTemplateFile(path string, policy config.SecurityPolicy) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrTemplateNotFound(path)
		}
		return nil, errors.NewInputError(errors.ErrCodeTemplateNotFound,
			fmt.Sprintf("cannot access template: %s", path), err)
	}
	if info.IsDir() {
		return nil, errors.NewInputError(errors.ErrCodeTemplateNotFound,
			fmt.Sprintf("template path is a directory: %s", path), nil)
	}
	if info.Size() > policy.Processing.MaxTemplateSizeBytes {
		return nil, errors.NewSecurityError(errors.ErrCodeSecurityViolation,
			fmt.Sprintf("template exceeds maximum size (%d > %d bytes)",
				info.Size(), policy.Processing.MaxTemplateSizeBytes),
			"resource_limits").WithPath(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewInputError(errors.ErrCodeTemplateNotFound,
			fmt.Sprintf("cannot read template: %s", path), err)
	}
	return data, nil
}

// collectStats walks the content tree and gathers the counters the
// processing limits are enforced against.
func collectStats(tpl *Template) TemplateStats {
	stats := TemplateStats{
		CustomTypeCount:  len(tpl.CustomTypes),
		SchemaReferences: len(tpl.Extends),
	}
	walkElements(tpl.Content, 1, &stats)
	return stats
}

func walkElements(elements []Element, depth int, stats *TemplateStats) {
	if len(elements) > 0 && depth > stats.MaxNestingDepth {
		stats.MaxNestingDepth = depth
	}
	for i := range elements {
		el := &elements[i]
		stats.ContentElements++
		switch el.Type {
		case ElementText:
			stats.TextElements++
		case ElementPlaceholder:
			stats.Placeholders++
		case ElementConditional:
			stats.Conditionals++
			walkElements(el.Content, depth+1, stats)
			walkElements(el.Else, depth+1, stats)
		}
	}
}

// checkLimits enforces the policy's processing limits against the collected
// stats. Violations are security errors carrying the resource_limits threat.
func checkLimits(path string, stats TemplateStats, policy config.SecurityPolicy) error {
	if stats.ContentElements > policy.Processing.MaxContentElements {
		return errors.NewSecurityError(errors.ErrCodeSecurityViolation,
			fmt.Sprintf("template has too many content elements (%d > %d)",
				stats.ContentElements, policy.Processing.MaxContentElements),
			"resource_limits").WithPath(path)
	}
	if stats.MaxNestingDepth > policy.Processing.MaxNestingDepth {
		return errors.NewSecurityError(errors.ErrCodeSecurityViolation,
			fmt.Sprintf("template nesting is too deep (%d > %d)",
				stats.MaxNestingDepth, policy.Processing.MaxNestingDepth),
			"resource_limits").WithPath(path)
	}
	return nil
}

// validateStructure performs the structural checks that do not need any
// resolved instruction types. It returns findings rather than an error so
// a single pass can report everything at once.
func validateStructure(tpl *Template) (errs, warnings, securityIssues []string) {
	if tpl.Version == "" {
		errs = append(errs, "missing required property \"version\"")
	} else if verr, vwarn := checkSchemaVersion(tpl.Version); verr != "" {
		errs = append(errs, verr)
	} else if vwarn != "" {
		warnings = append(warnings, vwarn)
	}

	if len(tpl.Content) == 0 {
		errs = append(errs, "missing or empty \"content\" array")
	}

	for name, def := range tpl.CustomTypes {
		if strings.TrimSpace(def.Template) == "" {
			errs = append(errs, fmt.Sprintf("custom instruction type %q has no template", name))
		}
	}
	for _, url := range tpl.Extends {
		if strings.TrimSpace(url) == "" {
			errs = append(errs, "extends contains an empty schema reference")
		}
	}

	validateElements(tpl.Content, "content", &errs, &warnings, &securityIssues)
	sort.Strings(errs)
	return errs, warnings, securityIssues
}

func validateElements(elements []Element, path string, errs, warnings, securityIssues *[]string) {
	for i := range elements {
		el := &elements[i]
		at := fmt.Sprintf("%s[%d]", path, i)
		switch el.Type {
		case "":
			*errs = append(*errs, fmt.Sprintf("%s: missing element type", at))
		case ElementText:
			if el.Text == "" {
				*warnings = append(*warnings, fmt.Sprintf("%s: empty text element", at))
			}
			scanUserContent(el.Text, at, securityIssues)
		case ElementPlaceholder:
			if el.InstructionType == "" {
				*errs = append(*errs, fmt.Sprintf("%s: placeholder is missing instructionType", at))
			}
			if _, ok := el.Config["description"]; !ok {
				*warnings = append(*warnings, fmt.Sprintf("%s: placeholder has no description", at))
			}
			for _, key := range sortedConfigKeys(el.Config) {
				if s, ok := el.Config[key].(string); ok {
					scanUserContent(s, at+".config."+key, securityIssues)
				}
			}
		case ElementConditional:
			if strings.TrimSpace(el.Condition) == "" {
				*errs = append(*errs, fmt.Sprintf("%s: conditional is missing condition", at))
			} else if _, err := parseCondition(el.Condition); err != nil {
				*errs = append(*errs, fmt.Sprintf("%s: %v", at, err))
			}
			if len(el.Content) == 0 {
				*errs = append(*errs, fmt.Sprintf("%s: conditional has no content", at))
			}
			validateElements(el.Content, at+".content", errs, warnings, securityIssues)
			validateElements(el.Else, at+".else", errs, warnings, securityIssues)
		default:
			*errs = append(*errs, fmt.Sprintf("%s: unknown element type %q", at, el.Type))
		}
	}
}

func sortedConfigKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scanUserContent flags author-supplied text that embeds the compiler's own
// instruction markers. Injected markers would make the compiled prompt claim
// instructions the template never declared.
func scanUserContent(s, at string, securityIssues *[]string) {
	if strings.Contains(s, markerStart) || strings.Contains(s, markerEnd) {
		*securityIssues = append(*securityIssues,
			fmt.Sprintf("%s: text contains instruction marker sequences", at))
	}
}

// checkSchemaVersion compares a template's declared version against the
// supported schema version. Major mismatches are errors, newer minor
// revisions only a warning.
func checkSchemaVersion(declared string) (errMsg, warnMsg string) {
	dMajor, dMinor, ok := splitVersion(declared)
	if !ok {
		return fmt.Sprintf("invalid version %q", declared), ""
	}
	sMajor, sMinor, _ := splitVersion(version.SupportedSchemaVersion)
	if dMajor != sMajor {
		return fmt.Sprintf("unsupported schema version %s (supported: %s)",
			declared, version.SupportedSchemaVersion), ""
	}
	if dMinor > sMinor {
		return "", fmt.Sprintf("template targets schema %s, newer than supported %s",
			declared, version.SupportedSchemaVersion)
	}
	return "", ""
}

func splitVersion(v string) (major, minor int, ok bool) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
