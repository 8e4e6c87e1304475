// Package engine compiles ITS templates into finished AI prompts. It
// resolves instruction types from built-in, extended and custom sources,
// substitutes variables, evaluates conditionals, and enforces the
// security policy's processing limits and schema trust gate along the way.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexanderparker/its-compiler-go/internal/allowlist"
	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
	"github.com/alexanderparker/its-compiler-go/internal/logging"
)

// Engine is the compiler surface the CLI pipeline drives.
type Engine interface {
	Validate(ctx context.Context, templatePath string) (*ValidationResult, error)
	Compile(ctx context.Context, templatePath string, variables map[string]interface{}) (*CompilationResult, error)
	SecurityStatus() SecurityStatus
	GenerateSecurityReport(ctx context.Context, templatePath string) (*SecurityReport, error)
}

// ValidationResult reports the findings of a structural validation pass.
type ValidationResult struct {
	Valid          bool
	Errors         []string
	Warnings       []string
	SecurityIssues []string
}

// CompilationResult is a successful compile: the finished prompt plus any
// non-fatal findings gathered along the way.
type CompilationResult struct {
	Prompt    string
	Warnings  []string
	Overrides []TypeOverride
}

// SecurityStatus describes which protections the active policy enables.
type SecurityStatus struct {
	Features map[string]bool `json:"features"`
}

// Options tunes a Compiler beyond the security policy.
type Options struct {
	// NoCache disables both the parsed template cache and the schema cache.
	NoCache bool

	// Prompt is consulted for untrusted schema URLs when the policy allows
	// interactive decisions. Nil disables prompting.
	Prompt TrustPromptFunc

	// HTTPClient overrides the policy-derived client, mainly for tests.
	HTTPClient *http.Client

	Logger logging.Logger
}

// Compiler is the ITS implementation of Engine.
type Compiler struct {
	policy  config.SecurityPolicy
	store   *allowlist.Manager
	fetcher *schemaFetcher
	logger  logging.Logger
	base    map[string]InstructionType
	noCache bool

	mu    sync.RWMutex
	cache map[string]*cachedTemplate
}

type cachedTemplate struct {
	modTime  time.Time
	size     int64
	tpl      *Template
	warnings []string
}

var _ Engine = (*Compiler)(nil)

// NewCompiler builds a Compiler bound to a policy and an allowlist store.
func NewCompiler(policy config.SecurityPolicy, store *allowlist.Manager, opts Options) *Compiler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.WithComponent("engine")

	return &Compiler{
		policy:  policy,
		store:   store,
		fetcher: newSchemaFetcher(policy, store, opts.Prompt, opts.HTTPClient, opts.NoCache, logger),
		logger:  logger,
		base:    baseInstructionTypes(),
		noCache: opts.NoCache,
		cache:   make(map[string]*cachedTemplate),
	}
}

// Validate runs the structural checks and type resolution for a template
// without compiling it. Findings are returned in the result; only input
// access, processing limit and schema trust failures surface as errors.
func (c *Compiler) Validate(ctx context.Context, templatePath string) (*ValidationResult, error) {
	tpl, topWarnings, err := c.load(templatePath)
	if err != nil {
		var ie *errors.ITSError
		if stderrors.As(err, &ie) && ie.Type == errors.ErrorTypeValidation {
			return &ValidationResult{Valid: false, Errors: ie.ValidationErrors}, nil
		}
		return nil, err
	}

	stats := collectStats(tpl)
	if err := checkLimits(templatePath, stats, c.policy); err != nil {
		return nil, err
	}

	errs, warnings, issues := validateStructure(tpl)
	warnings = append(topWarnings, warnings...)

	resolution, err := c.resolve(ctx, tpl)
	if err != nil {
		return nil, err
	}
	for _, ov := range resolution.overrides {
		warnings = append(warnings, fmt.Sprintf("instruction type %q from %s overrides the %s definition",
			ov.TypeName, ov.OverrideSource, ov.OverriddenSource))
	}
	errs = append(errs, unknownTypeFindings(tpl.Content, "content", resolution.types)...)

	result := &ValidationResult{
		Valid:          len(errs) == 0 && len(issues) == 0,
		Errors:         errs,
		Warnings:       warnings,
		SecurityIssues: issues,
	}
	c.logger.Debug(ctx, "validated template",
		"path", templatePath, "valid", result.Valid,
		"errors", len(errs), "warnings", len(warnings), "security_issues", len(issues))
	return result, nil
}

// Compile turns a template and a variable mapping into the finished prompt.
// Structural problems, security rejections and expansion failures are all
// returned as classified errors.
func (c *Compiler) Compile(ctx context.Context, templatePath string, variables map[string]interface{}) (*CompilationResult, error) {
	started := time.Now()

	tpl, warnings, err := c.load(templatePath)
	if err != nil {
		return nil, err
	}

	stats := collectStats(tpl)
	if err := checkLimits(templatePath, stats, c.policy); err != nil {
		return nil, err
	}

	errs, structWarnings, issues := validateStructure(tpl)
	warnings = append(warnings, structWarnings...)
	if len(errs) > 0 || len(issues) > 0 {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFailed,
			"template validation failed", errs, issues).WithPath(templatePath)
	}

	resolution, err := c.resolve(ctx, tpl)
	if err != nil {
		return nil, err
	}
	if unknown := unknownTypeFindings(tpl.Content, "content", resolution.types); len(unknown) > 0 {
		return nil, errors.NewCompilationError(errors.ErrCodeUnknownType,
			strings.Join(unknown, "; "), nil).WithPath(templatePath)
	}

	vars := mergeVariables(tpl.Variables, variables)
	missing := make(map[string]bool)
	var body strings.Builder
	if err := expandElements(tpl.Content, resolution.types, vars, missing, &body, &warnings); err != nil {
		var ie *errors.ITSError
		if stderrors.As(err, &ie) {
			return nil, ie.WithPath(templatePath)
		}
		return nil, err
	}
	if len(missing) > 0 {
		refs := sortedRefs(missing)
		return nil, errors.NewVariablesError(errors.ErrCodeUndefinedVariable,
			"template references undefined variables: "+strings.Join(refs, ", "), nil).
			WithDetail("references", refs).WithPath(templatePath)
	}

	result := &CompilationResult{
		Prompt:    buildPrompt(body.String()),
		Warnings:  warnings,
		Overrides: resolution.overrides,
	}
	c.logger.Debug(ctx, "compiled template",
		"path", templatePath, "elements", stats.ContentElements,
		"overrides", len(resolution.overrides), "elapsed", time.Since(started).String())
	return result, nil
}

// SecurityStatus reports the protections the active policy enables.
func (c *Compiler) SecurityStatus() SecurityStatus {
	return SecurityStatus{Features: map[string]bool{
		"schema_allowlist":    true,
		"interactive_prompts": c.policy.Allowlist.InteractiveMode,
		"https_only":          !c.policy.Network.AllowHTTP,
		"localhost_blocked":   c.policy.Network.BlockLocalhost,
		"processing_limits":   true,
		"content_scanning":    true,
		"strict_mode":         c.policy.Strict,
	}}
}

// load reads and parses a template, consulting the parse cache keyed by
// modification time and size. Parse failures come back as validation
// errors and are never cached.
func (c *Compiler) load(templatePath string) (*Template, []string, error) {
	abs, err := filepath.Abs(templatePath)
	if err != nil {
		abs = templatePath
	}

	info, statErr := os.Stat(templatePath)
	if statErr == nil && !c.noCache {
		c.mu.RLock()
		cached, ok := c.cache[abs]
		c.mu.RUnlock()
		if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
			return cached.tpl, cached.warnings, nil
		}
	}

	data, err := loadTemplateFile(templatePath, c.policy)
	if err != nil {
		return nil, nil, err
	}

	tpl, warnings, parseErr := parseTemplate(data)
	if parseErr != nil {
		return nil, nil, errors.NewValidationError(errors.ErrCodeValidationFailed,
			"template is not parseable", []string{parseErr.Error()}, nil).WithPath(templatePath)
	}

	if statErr == nil && !c.noCache {
		c.mu.Lock()
		c.cache[abs] = &cachedTemplate{
			modTime:  info.ModTime(),
			size:     info.Size(),
			tpl:      tpl,
			warnings: warnings,
		}
		c.mu.Unlock()
	}
	return tpl, warnings, nil
}

// resolve fetches every extends schema and layers the instruction type
// sources into one registry.
func (c *Compiler) resolve(ctx context.Context, tpl *Template) (typeResolution, error) {
	fetched := make([]fetchedSchema, 0, len(tpl.Extends))
	for _, ref := range tpl.Extends {
		schema, err := c.fetcher.fetch(ctx, ref)
		if err != nil {
			return typeResolution{}, err
		}
		fetched = append(fetched, schema)
	}
	return resolveTypes(c.base, fetched, tpl.CustomTypes), nil
}

// unknownTypeFindings lists placeholders whose instruction type is absent
// from the resolved registry.
func unknownTypeFindings(elements []Element, path string, types map[string]InstructionType) []string {
	var findings []string
	for i := range elements {
		el := &elements[i]
		at := fmt.Sprintf("%s[%d]", path, i)
		switch el.Type {
		case ElementPlaceholder:
			if el.InstructionType == "" {
				continue
			}
			if _, ok := types[el.InstructionType]; !ok {
				findings = append(findings, fmt.Sprintf("%s: unknown instruction type %q", at, el.InstructionType))
			}
		case ElementConditional:
			findings = append(findings, unknownTypeFindings(el.Content, at+".content", types)...)
			findings = append(findings, unknownTypeFindings(el.Else, at+".else", types)...)
		}
	}
	return findings
}

// expandElements walks the content tree appending expanded text to body.
// Unresolved variable references accumulate in missing instead of failing
// fast, so the final error can list all of them.
func expandElements(elements []Element, types map[string]InstructionType, vars map[string]interface{}, missing map[string]bool, body *strings.Builder, warnings *[]string) error {
	for i := range elements {
		el := &elements[i]
		switch el.Type {
		case ElementText:
			body.WriteString(interpolate(el.Text, vars, missing))
		case ElementPlaceholder:
			t := types[el.InstructionType]
			rendered, renderWarnings := renderInstruction(t, el.Config)
			*warnings = append(*warnings, renderWarnings...)
			body.WriteString(interpolate(rendered, vars, missing))
		case ElementConditional:
			take, err := evalCondition(el.Condition, vars)
			if err != nil {
				return errors.NewCompilationError(errors.ErrCodeConditionFailed,
					"cannot evaluate conditional", err)
			}
			branch := el.Content
			if !take {
				branch = el.Else
			}
			if err := expandElements(branch, types, vars, missing, body, warnings); err != nil {
				return err
			}
		}
	}
	return nil
}

const promptHeader = "INTRODUCTION\n\n" +
	"This prompt was compiled from an instruction template. Generation\n" +
	"instructions are wrapped in " + markerStart + " and " + markerEnd + " markers.\n\n" +
	"INSTRUCTIONS\n\n" +
	"1. Process the template below from top to bottom.\n" +
	"2. Replace every instruction block with content satisfying it.\n" +
	"3. Reproduce all other text exactly as written.\n" +
	"4. Do not include the markers in the final output.\n\n" +
	"TEMPLATE\n\n"

// buildPrompt frames the expanded body with the fixed preamble. The output
// is fully determined by the template and variables.
func buildPrompt(body string) string {
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return promptHeader + body
}
