// Package config builds the security policy that governs every ITS
// compiler invocation.
//
// Policy values are layered from three sources with clear precedence:
//  1. Baseline defaults, overridable through ITS_* environment variables
//     (ITS_ALLOW_HTTP, ITS_REQUEST_TIMEOUT, ITS_MAX_TEMPLATE_SIZE, ...)
//  2. CLI flag overrides (--allow-http, --timeout, --interactive-allowlist)
//  3. The --strict preset, applied last so flag ordering can never loosen it
//
// The resulting SecurityPolicy is built once per invocation and treated as
// read-only by every component that consults it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Baseline limits used when the environment provides none.
const (
	DefaultRequestTimeout     = 30
	DefaultMaxResponseSize    = 10 * 1024 * 1024
	DefaultMaxTemplateSize    = 1024 * 1024
	DefaultMaxContentElements = 1000
	DefaultMaxNestingDepth    = 10
)

// Strict mode presets. These are absolute values, not reductions.
const (
	StrictMaxTemplateSize    = 512 * 1024
	StrictMaxResponseSize    = 5 * 1024 * 1024
	StrictMaxContentElements = 500
	StrictMaxNestingDepth    = 8
)

// NetworkPolicy controls template downloads.
type NetworkPolicy struct {
	AllowHTTP             bool
	AllowedProtocols      []string
	BlockLocalhost        bool
	RequestTimeoutSeconds int
	MaxResponseSizeBytes  int64
}

// AllowlistPolicy controls schema trust decisions.
type AllowlistPolicy struct {
	InteractiveMode bool
	Path            string
}

// ProcessingPolicy bounds template processing.
type ProcessingPolicy struct {
	MaxTemplateSizeBytes int64
	MaxContentElements   int
	MaxNestingDepth      int
}

// SecurityPolicy is the complete security posture for one invocation.
// Built once, never mutated afterwards.
type SecurityPolicy struct {
	Network    NetworkPolicy
	Allowlist  AllowlistPolicy
	Processing ProcessingPolicy
	Strict     bool
}

// ProtocolAllowed reports whether a URL scheme is permitted for downloads.
func (p SecurityPolicy) ProtocolAllowed(scheme string) bool {
	scheme = strings.ToLower(scheme)
	for _, allowed := range p.Network.AllowedProtocols {
		if allowed == scheme {
			return true
		}
	}
	return false
}

// Options carries the CLI flag overrides applied on top of environment
// defaults.
type Options struct {
	AllowHTTP bool

	// InteractiveAllowlist is tri-state: nil leaves the environment value
	// untouched, true/false overwrite it.
	InteractiveAllowlist *bool

	// RequestTimeoutSeconds overrides the download timeout when positive.
	RequestTimeoutSeconds int

	Strict bool
}

// FromEnvironment derives the baseline policy from ITS_* environment
// variables, falling back to the defaults above. It never fails; malformed
// or non-positive values fall back to their defaults.
func FromEnvironment() SecurityPolicy {
	v := viper.New()
	v.SetEnvPrefix("ITS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("allow_http", false)
	v.SetDefault("block_localhost", true)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("max_response_size", DefaultMaxResponseSize)
	v.SetDefault("max_template_size", DefaultMaxTemplateSize)
	v.SetDefault("max_content_elements", DefaultMaxContentElements)
	v.SetDefault("max_nesting_depth", DefaultMaxNestingDepth)
	v.SetDefault("interactive_allowlist", true)
	v.SetDefault("allowlist_path", defaultAllowlistPath())

	policy := SecurityPolicy{
		Network: NetworkPolicy{
			AllowHTTP:             v.GetBool("allow_http"),
			AllowedProtocols:      []string{"https"},
			BlockLocalhost:        v.GetBool("block_localhost"),
			RequestTimeoutSeconds: positiveOr(v.GetInt("request_timeout"), DefaultRequestTimeout),
			MaxResponseSizeBytes:  positiveOr64(v.GetInt64("max_response_size"), DefaultMaxResponseSize),
		},
		Allowlist: AllowlistPolicy{
			InteractiveMode: v.GetBool("interactive_allowlist"),
			Path:            v.GetString("allowlist_path"),
		},
		Processing: ProcessingPolicy{
			MaxTemplateSizeBytes: positiveOr64(v.GetInt64("max_template_size"), DefaultMaxTemplateSize),
			MaxContentElements:   positiveOr(v.GetInt("max_content_elements"), DefaultMaxContentElements),
			MaxNestingDepth:      positiveOr(v.GetInt("max_nesting_depth"), DefaultMaxNestingDepth),
		},
	}

	if policy.Network.AllowHTTP {
		policy.Network.AllowedProtocols = append(policy.Network.AllowedProtocols, "http")
	}

	return policy
}

// Build layers CLI overrides onto a baseline policy. The strict preset is
// applied after every other override so it cannot be defeated by ordering.
// Build never fails; it always returns a policy with positive limits.
func Build(base SecurityPolicy, opts Options) SecurityPolicy {
	policy := base
	policy.Network.AllowedProtocols = append([]string(nil), base.Network.AllowedProtocols...)

	if opts.RequestTimeoutSeconds > 0 {
		policy.Network.RequestTimeoutSeconds = opts.RequestTimeoutSeconds
	}

	if opts.AllowHTTP {
		policy.Network.AllowHTTP = true
		if !policy.ProtocolAllowed("http") {
			policy.Network.AllowedProtocols = append(policy.Network.AllowedProtocols, "http")
		}
	}

	if opts.InteractiveAllowlist != nil {
		policy.Allowlist.InteractiveMode = *opts.InteractiveAllowlist
	}

	if opts.Strict {
		policy.Strict = true
		policy.Processing.MaxTemplateSizeBytes = StrictMaxTemplateSize
		policy.Network.MaxResponseSizeBytes = StrictMaxResponseSize
		policy.Processing.MaxContentElements = StrictMaxContentElements
		policy.Processing.MaxNestingDepth = StrictMaxNestingDepth
	}

	return policy
}

// BuildFromEnvironment is the common construction path: environment
// baseline plus CLI overrides.
func BuildFromEnvironment(opts Options) SecurityPolicy {
	return Build(FromEnvironment(), opts)
}

// Validate returns advisory warnings about a policy. Warnings never block
// construction; they are surfaced in verbose mode only.
func Validate(policy SecurityPolicy) []string {
	var warnings []string

	if policy.Network.AllowHTTP {
		warnings = append(warnings, "HTTP downloads are enabled; template sources are not authenticated")
		if !policy.Network.BlockLocalhost {
			warnings = append(warnings, "HTTP is allowed without a localhost block; local services are reachable")
		}
	}

	if !policy.Allowlist.InteractiveMode {
		warnings = append(warnings, "interactive allowlist prompts are disabled; unknown schemas will be rejected outright")
	}

	if policy.Network.RequestTimeoutSeconds > 300 {
		warnings = append(warnings,
			fmt.Sprintf("request timeout of %ds is unusually long", policy.Network.RequestTimeoutSeconds))
	}

	if policy.Network.MaxResponseSizeBytes > 100*1024*1024 {
		warnings = append(warnings, "response size limit exceeds 100MB")
	}

	return warnings
}

func defaultAllowlistPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".its-compiler", "allowlist.json")
	}
	return filepath.Join(home, ".its-compiler", "allowlist.json")
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func positiveOr64(value, fallback int64) int64 {
	if value > 0 {
		return value
	}
	return fallback
}
