// Package cmd provides the its-compile command line interface: one root
// command that compiles or validates an ITS template under the active
// security policy, plus flag-driven allowlist management short-circuits.
//
// Configuration precedence:
//
//  1. Command-line flags (--allow-http, --timeout, --strict, ...)
//  2. ITS_-prefixed environment variables (ITS_ALLOW_HTTP,
//     ITS_REQUEST_TIMEOUT, ITS_ALLOWLIST_PATH, ...)
//  3. Built-in defaults
//
// Strict mode presets apply last and are absolute values, so --strict and
// --allow-http compose.
package cmd

import (
	stderrors "errors"

	"github.com/spf13/cobra"

	"github.com/alexanderparker/its-compiler-go/internal/version"
)

// ErrReported marks failures that were already rendered through the
// console sink. main maps it to exit code 1 without printing again.
var ErrReported = stderrors.New("failure already reported")

// rootFlags carries the parsed flag values for one command instance.
// Tests build their own command with newRootCmd, so nothing here is
// package-level mutable state.
type rootFlags struct {
	output         string
	variables      string
	watch          bool
	validateOnly   bool
	verbose        bool
	strict         bool
	noCache        bool
	timeout        int
	allowHTTP      bool
	interactive    bool
	noInteractive  bool
	securityReport string
	schemaVersion  bool

	allowlistStatus  bool
	addTrustedSchema string
	removeSchema     string
	exportAllowlist  string
	importAllowlist  string
	mergeAllowlist   bool
	cleanupAllowlist bool
	olderThan        int
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "its-compile [TEMPLATE]",
		Short: "Convert ITS templates to AI prompts with security controls",
		Long: `its-compile converts Instruction Template Specification (ITS) templates
into AI prompts with security controls.

TEMPLATE is the path to the ITS template JSON file to compile, or an
HTTPS URL to download it from.

Schema references in templates are gated through a trust allowlist;
use the allowlist flags (--allowlist-status, --add-trusted-schema, ...)
to manage it.

Examples:
  its-compile template.json
  its-compile template.json -o prompt.txt -v vars.yaml
  its-compile template.json --watch
  its-compile https://example.com/template.json --validate-only
  its-compile --allowlist-status`,
		Args:          cobra.MaximumNArgs(1),
		Version:       version.GetShortVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVarP(&flags.variables, "variables", "v", "", "JSON or YAML file with variable values")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "Watch template file for changes")
	cmd.Flags().BoolVar(&flags.validateOnly, "validate-only", false, "Validate template without compiling")
	cmd.Flags().BoolVar(&flags.verbose, "verbose", false, "Show detailed output including security metrics")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "Enable strict validation mode")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Disable template and schema caching")
	cmd.Flags().IntVar(&flags.timeout, "timeout", 30, "Network timeout in seconds")
	cmd.Flags().BoolVar(&flags.allowHTTP, "allow-http", false, "Allow HTTP URLs (not recommended for production)")
	cmd.Flags().BoolVar(&flags.interactive, "interactive-allowlist", false, "Enable interactive schema allowlist prompts")
	cmd.Flags().BoolVar(&flags.noInteractive, "no-interactive-allowlist", false, "Disable interactive schema allowlist prompts")
	cmd.Flags().StringVar(&flags.securityReport, "security-report", "", "Generate security analysis report to specified file")
	cmd.Flags().BoolVar(&flags.schemaVersion, "supported-schema-version", false, "Show the supported ITS specification version and exit")

	cmd.Flags().BoolVar(&flags.allowlistStatus, "allowlist-status", false, "Show allowlist status and exit")
	cmd.Flags().StringVar(&flags.addTrustedSchema, "add-trusted-schema", "", "Add a schema URL to the permanent allowlist and exit")
	cmd.Flags().StringVar(&flags.removeSchema, "remove-schema", "", "Remove a schema URL from the allowlist and exit")
	cmd.Flags().StringVar(&flags.exportAllowlist, "export-allowlist", "", "Export allowlist to specified file and exit")
	cmd.Flags().StringVar(&flags.importAllowlist, "import-allowlist", "", "Import allowlist from specified file and exit")
	cmd.Flags().BoolVar(&flags.mergeAllowlist, "merge-allowlist", false, "Merge imported allowlist with existing (use with --import-allowlist)")
	cmd.Flags().BoolVar(&flags.cleanupAllowlist, "cleanup-allowlist", false, "Remove old unused allowlist entries and exit")
	cmd.Flags().IntVar(&flags.olderThan, "older-than", 90, "Days threshold for cleanup (default: 90)")

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
