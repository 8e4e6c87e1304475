package engine

import (
	"context"
	"time"
)

// SecurityReport is the auditable snapshot written by --security-report.
type SecurityReport struct {
	TemplatePath     string            `json:"template_path"`
	GeneratedAt      time.Time         `json:"generated_at"`
	SchemaReferences []SchemaReference `json:"schema_references"`
	Statistics       TemplateStats     `json:"statistics"`
	Policy           PolicySnapshot    `json:"policy"`
	Issues           []string          `json:"issues"`
}

// SchemaReference pairs an extends URL with its allowlist standing.
type SchemaReference struct {
	URL        string `json:"url"`
	Trusted    bool   `json:"trusted"`
	TrustLevel string `json:"trust_level,omitempty"`
}

// PolicySnapshot records the security posture a report was generated under.
type PolicySnapshot struct {
	AllowHTTP             bool  `json:"allow_http"`
	BlockLocalhost        bool  `json:"block_localhost"`
	InteractivePrompts    bool  `json:"interactive_prompts"`
	StrictMode            bool  `json:"strict_mode"`
	RequestTimeoutSeconds int   `json:"request_timeout_seconds"`
	MaxResponseSizeBytes  int64 `json:"max_response_size_bytes"`
	MaxTemplateSizeBytes  int64 `json:"max_template_size_bytes"`
	MaxContentElements    int   `json:"max_content_elements"`
	MaxNestingDepth       int   `json:"max_nesting_depth"`
}

// GenerateSecurityReport inspects a template without compiling it and
// without fetching or prompting for schemas: trust standing is read from
// the allowlist as-is.
func (c *Compiler) GenerateSecurityReport(ctx context.Context, templatePath string) (*SecurityReport, error) {
	tpl, _, err := c.load(templatePath)
	if err != nil {
		return nil, err
	}

	stats := collectStats(tpl)
	_, _, issues := validateStructure(tpl)
	if issues == nil {
		issues = []string{}
	}

	refs := make([]SchemaReference, 0, len(tpl.Extends))
	for _, url := range tpl.Extends {
		ref := SchemaReference{URL: url, Trusted: c.store.IsTrusted(url)}
		if entry, ok := c.store.Lookup(url); ok {
			ref.TrustLevel = string(entry.TrustLevel)
		}
		refs = append(refs, ref)
	}

	report := &SecurityReport{
		TemplatePath:     templatePath,
		GeneratedAt:      time.Now().UTC(),
		SchemaReferences: refs,
		Statistics:       stats,
		Policy: PolicySnapshot{
			AllowHTTP:             c.policy.Network.AllowHTTP,
			BlockLocalhost:        c.policy.Network.BlockLocalhost,
			InteractivePrompts:    c.policy.Allowlist.InteractiveMode,
			StrictMode:            c.policy.Strict,
			RequestTimeoutSeconds: c.policy.Network.RequestTimeoutSeconds,
			MaxResponseSizeBytes:  c.policy.Network.MaxResponseSizeBytes,
			MaxTemplateSizeBytes:  c.policy.Processing.MaxTemplateSizeBytes,
			MaxContentElements:    c.policy.Processing.MaxContentElements,
			MaxNestingDepth:       c.policy.Processing.MaxNestingDepth,
		},
		Issues: issues,
	}
	c.logger.Debug(ctx, "generated security report",
		"path", templatePath, "schema_references", len(refs), "issues", len(issues))
	return report, nil
}
