package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alexanderparker/its-compiler-go/internal/allowlist"
	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/console"
	"github.com/alexanderparker/its-compiler-go/internal/engine"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
	"github.com/alexanderparker/its-compiler-go/internal/logging"
	"github.com/alexanderparker/its-compiler-go/internal/pipeline"
	"github.com/alexanderparker/its-compiler-go/internal/resolver"
	"github.com/alexanderparker/its-compiler-go/internal/validation"
	"github.com/alexanderparker/its-compiler-go/internal/version"
	"github.com/alexanderparker/its-compiler-go/internal/watcher"
)

// run drives one invocation: version short-circuit, policy construction,
// allowlist commands, input resolution, then a single pipeline run or a
// watch session. All user-facing failures are printed here or further down
// and surface as ErrReported.
func run(cmd *cobra.Command, args []string, flags *rootFlags) error {
	ctx := cmd.Context()
	sink := console.New(cmd.OutOrStdout())

	if flags.schemaVersion {
		sink.Printf("ITS Compiler CLI v%s", version.GetVersion())
		sink.Printf("Supported ITS Specification Version: %s", version.SupportedSchemaVersion)
		return nil
	}

	logCfg := logging.DefaultConfig()
	if flags.verbose {
		logCfg = logging.VerboseConfig()
	}
	logger := logging.NewLogger(logCfg)

	override, err := interactiveOverride(flags, cmd.Flags())
	if err != nil {
		sink.Errorf("%s", messageOf(err))
		return ErrReported
	}

	opts := config.Options{
		AllowHTTP:            flags.allowHTTP,
		InteractiveAllowlist: override,
		Strict:               flags.strict,
	}
	if cmd.Flags().Changed("timeout") {
		opts.RequestTimeoutSeconds = flags.timeout
	}
	policy := config.BuildFromEnvironment(opts)

	if flags.verbose {
		for _, warning := range config.Validate(policy) {
			sink.Warningf("Config Warning: %s", warning)
		}
	}

	if flags.anyAllowlistCommand() {
		return runAllowlistCommands(sink, policy, flags)
	}

	if len(args) == 0 {
		sink.Errorf("Template file is required for compilation")
		sink.Println("Use --help for available commands or provide a template file or URL.")
		return ErrReported
	}
	templateArg := args[0]

	if flags.watch && flags.validateOnly {
		sink.Errorf("Cannot use --watch with --validate-only")
		return ErrReported
	}
	if flags.watch && validation.IsTemplateURL(templateArg) {
		sink.Errorf("Cannot use --watch with URL templates")
		return ErrReported
	}

	if validation.IsTemplateURL(templateArg) {
		sink.Infof("Downloading template from: %s", templateArg)
	}

	resolved, err := resolver.New(policy, logger).Resolve(ctx, templateArg)
	if err != nil {
		reportResolveFailure(sink, templateArg, err)
		return ErrReported
	}
	defer resolved.Cleanup(ctx)

	if resolved.Temporary {
		sink.Stylef(sink.Styles.Info, "Template downloaded to temporary file")
	}

	store, err := allowlist.NewManager(policy)
	if err != nil {
		sink.Errorf("Failed to load schema allowlist: %s", messageOf(err))
		return ErrReported
	}

	eng := engine.NewCompiler(policy, store, engine.Options{
		NoCache: flags.noCache,
		Prompt:  trustPrompter(policy, stdinFile(cmd), sink),
		Logger:  logger,
	})

	runner := &pipeline.Runner{
		Engine: eng,
		Policy: policy,
		Sink:   sink,
		Logger: logger,
	}

	req := pipeline.CompileRequest{
		TemplatePath:       resolved.Path,
		OutputPath:         flags.output,
		VariablesPath:      flags.variables,
		ValidateOnly:       flags.validateOnly,
		Verbose:            flags.verbose,
		NoCache:            flags.noCache,
		SecurityReportPath: flags.securityReport,
	}

	outcome := runner.Run(ctx, req)
	if !flags.watch {
		if outcome.Failed() {
			return ErrReported
		}
		return nil
	}

	if outcome.Failed() {
		sink.Infof("Waiting for fixes... (Ctrl+C to stop)")
	}
	return watchLoop(ctx, sink, logger, runner, req, templateArg)
}

// watchLoop recompiles on every change to the template until the process
// is interrupted or the context is cancelled. Failed runs report and keep
// watching.
func watchLoop(ctx context.Context, sink *console.Console, logger logging.Logger, runner *pipeline.Runner, req pipeline.CompileRequest, displayPath string) error {
	// Reruns always compile fully. The security report, if any, was
	// written by the initial run.
	rerun := req
	rerun.ValidateOnly = false
	rerun.SecurityReportPath = ""

	handler := func(ctx context.Context, path string) {
		sink.Infof("File changed: %s", path)
		if runner.Run(ctx, rerun).Failed() {
			sink.Infof("Waiting for fixes... (Ctrl+C to stop)")
			return
		}
		sink.Successf("Watch compilation successful")
	}

	w, err := watcher.New(req.TemplatePath, watcher.DefaultDebounce, handler, logger)
	if err != nil {
		sink.Errorf("Unexpected error: %v", err)
		return ErrReported
	}

	sink.Println()
	sink.Infof("Watching %s for changes... (Press Ctrl+C to stop)", displayPath)

	if err := w.Start(ctx); err != nil {
		sink.Errorf("Unexpected error: %v", err)
		return ErrReported
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	sink.Println()
	sink.Warningf("Stopping watch mode...")
	w.Stop()
	return nil
}

// interactiveOverride folds the interactive flag pair into the tri-state
// policy override. Passing both flags is a usage error; passing neither
// leaves the environment value in charge.
func interactiveOverride(flags *rootFlags, fs *pflag.FlagSet) (*bool, error) {
	on := fs.Changed("interactive-allowlist")
	off := fs.Changed("no-interactive-allowlist")

	if on && off {
		return nil, errors.NewUsageError(errors.ErrCodeConflictingFlags,
			"cannot combine --interactive-allowlist with --no-interactive-allowlist")
	}

	switch {
	case on && flags.interactive:
		v := true
		return &v, nil
	case off && flags.noInteractive:
		v := false
		return &v, nil
	}
	return nil, nil
}

// reportResolveFailure renders template resolution errors in terms of what
// the user typed: local paths report the missing file, URLs the download
// failure.
func reportResolveFailure(sink *console.Console, input string, err error) {
	var ie *errors.ITSError
	if stderrors.As(err, &ie) && ie.Code == errors.ErrCodeTemplateNotFound {
		sink.Errorf("Template file not found: %s", input)
		return
	}
	if validation.IsTemplateURL(input) {
		sink.Errorf("Failed to download template: %s", messageOf(err))
		return
	}
	sink.Errorf("%s", messageOf(err))
}

// messageOf renders an error for the console without the bracketed code
// prefix Error adds.
func messageOf(err error) string {
	var ie *errors.ITSError
	if stderrors.As(err, &ie) {
		if ie.Cause != nil {
			return fmt.Sprintf("%s: %v", ie.Message, ie.Cause)
		}
		return ie.Message
	}
	return err.Error()
}

// stdinFile returns the command's input stream when it is a real file,
// which is what terminal detection needs. Test buffers yield nil.
func stdinFile(cmd *cobra.Command) *os.File {
	f, _ := cmd.InOrStdin().(*os.File)
	return f
}
