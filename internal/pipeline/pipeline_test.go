package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/console"
	"github.com/alexanderparker/its-compiler-go/internal/engine"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
)

type fakeEngine struct {
	validateResult *engine.ValidationResult
	validateErr    error
	compileResult  *engine.CompilationResult
	compileErr     error
	report         *engine.SecurityReport
	reportErr      error
	status         engine.SecurityStatus

	validateCalls int
	compileCalls  int
	lastVariables map[string]interface{}
}

func (f *fakeEngine) Validate(ctx context.Context, templatePath string) (*engine.ValidationResult, error) {
	f.validateCalls++
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return f.validateResult, nil
}

func (f *fakeEngine) Compile(ctx context.Context, templatePath string, variables map[string]interface{}) (*engine.CompilationResult, error) {
	f.compileCalls++
	f.lastVariables = variables
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	return f.compileResult, nil
}

func (f *fakeEngine) SecurityStatus() engine.SecurityStatus {
	return f.status
}

func (f *fakeEngine) GenerateSecurityReport(ctx context.Context, templatePath string) (*engine.SecurityReport, error) {
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return f.report, nil
}

func testPolicy() config.SecurityPolicy {
	return config.SecurityPolicy{
		Network: config.NetworkPolicy{
			AllowedProtocols:      []string{"https"},
			BlockLocalhost:        true,
			RequestTimeoutSeconds: 30,
			MaxResponseSizeBytes:  config.DefaultMaxResponseSize,
		},
		Processing: config.ProcessingPolicy{
			MaxTemplateSizeBytes: config.DefaultMaxTemplateSize,
			MaxContentElements:   config.DefaultMaxContentElements,
			MaxNestingDepth:      config.DefaultMaxNestingDepth,
		},
	}
}

func newTestRunner(fake *fakeEngine) (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	runner := &Runner{
		Engine: fake,
		Policy: testPolicy(),
		Sink:   console.New(&buf),
	}
	return runner, &buf
}

func TestRunCompileToStdout(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "render a haiku"},
	}
	runner, buf := newTestRunner(fake)

	outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json"})

	require.Equal(t, StatusSuccess, outcome.Status)
	assert.False(t, outcome.Failed())
	assert.Equal(t, "render a haiku", outcome.Prompt)
	assert.Equal(t, 1, fake.compileCalls)

	out := buf.String()
	assert.Contains(t, out, "[SUCCESS] Template compiled successfully")
	assert.Contains(t, out, "render a haiku")
	assert.Contains(t, out, "================")
}

func TestRunCompileWritesOutputFile(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "file bound prompt"},
	}
	runner, buf := newTestRunner(fake)

	out := filepath.Join(t.TempDir(), "nested", "dir", "prompt.txt")
	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath: "tpl.json",
		OutputPath:   out,
	})

	require.Equal(t, StatusSuccess, outcome.Status)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "file bound prompt", string(data))
	assert.Contains(t, buf.String(), "Output written to: "+out)
	assert.NotContains(t, buf.String(), "================")
}

func TestRunCompileUnsafeOutputPath(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "p"},
	}
	runner, buf := newTestRunner(fake)
	runner.Guard = func(string) bool { return false }

	out := filepath.Join(t.TempDir(), "prompt.txt")
	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath: "tpl.json",
		OutputPath:   out,
	})

	require.Equal(t, StatusOutputRejected, outcome.Status)
	assert.True(t, outcome.Failed())
	assert.Contains(t, buf.String(), "[ERROR] Unsafe output path: "+out)

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err), "nothing may be written to a rejected path")

	var ie *errors.ITSError
	require.ErrorAs(t, outcome.Err, &ie)
	assert.Equal(t, errors.ErrorTypeOutput, ie.Type)
}

func TestRunCompileVerboseFindings(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{
			Prompt:   "p",
			Warnings: []string{"content[0] has empty text"},
			Overrides: []engine.TypeOverride{
				{TypeName: "paragraph", OverrideSource: "custom", OverriddenSource: "base"},
			},
		},
	}

	t.Run("verbose", func(t *testing.T) {
		runner, buf := newTestRunner(fake)
		outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json", Verbose: true})
		require.Equal(t, StatusSuccess, outcome.Status)
		assert.Contains(t, buf.String(), "Type Overrides:")
		assert.Contains(t, buf.String(), "  paragraph: custom -> base")
		assert.Contains(t, buf.String(), "Warnings:")
		assert.Contains(t, buf.String(), "  content[0] has empty text")
	})

	t.Run("quiet", func(t *testing.T) {
		runner, buf := newTestRunner(fake)
		outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json"})
		require.Equal(t, StatusSuccess, outcome.Status)
		assert.NotContains(t, buf.String(), "Type Overrides:")
		assert.NotContains(t, buf.String(), "Warnings:")
	})
}

func TestRunValidateOnlyValid(t *testing.T) {
	fake := &fakeEngine{
		validateResult: &engine.ValidationResult{
			Valid:          true,
			Warnings:       []string{"unknown top-level key \"extra\""},
			SecurityIssues: []string{"content[1] contains prompt injection markers"},
		},
	}

	t.Run("quiet", func(t *testing.T) {
		runner, buf := newTestRunner(fake)
		outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json", ValidateOnly: true})
		require.Equal(t, StatusSuccess, outcome.Status)
		assert.Contains(t, buf.String(), "[SUCCESS] Template is valid")
		assert.NotContains(t, buf.String(), "unknown top-level key")
	})

	t.Run("verbose", func(t *testing.T) {
		runner, buf := newTestRunner(fake)
		outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json", ValidateOnly: true, Verbose: true})
		require.Equal(t, StatusSuccess, outcome.Status)
		assert.Contains(t, buf.String(), "[WARNING] unknown top-level key")
		assert.Contains(t, buf.String(), "[WARNING] Security: content[1] contains prompt injection markers")
	})

	assert.Equal(t, 2, fake.validateCalls)
	assert.Zero(t, fake.compileCalls)
}

func TestRunValidateOnlyInvalid(t *testing.T) {
	fake := &fakeEngine{
		validateResult: &engine.ValidationResult{
			Valid:          false,
			Errors:         []string{"template version is missing"},
			SecurityIssues: []string{"content[0] contains prompt injection markers"},
		},
	}
	runner, buf := newTestRunner(fake)

	// Findings print in full even without --verbose.
	outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json", ValidateOnly: true})

	require.Equal(t, StatusValidationFailed, outcome.Status)
	assert.True(t, outcome.Failed())
	assert.Nil(t, outcome.Err)

	out := buf.String()
	assert.Contains(t, out, "[ERROR] Template validation failed")
	assert.Contains(t, out, "Error: template version is missing")
	assert.Contains(t, out, "Security: content[0] contains prompt injection markers")
}

func TestRunLoadsJSONVariables(t *testing.T) {
	fake := &fakeEngine{compileResult: &engine.CompilationResult{Prompt: "p"}}
	runner, buf := newTestRunner(fake)

	varsPath := filepath.Join(t.TempDir(), "vars.json")
	require.NoError(t, os.WriteFile(varsPath, []byte(`{"name":"cli","count":2}`), 0o644))

	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath:  "tpl.json",
		VariablesPath: varsPath,
		Verbose:       true,
	})

	require.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, map[string]interface{}{"name": "cli", "count": float64(2)}, fake.lastVariables)
	assert.Contains(t, buf.String(), "Loaded 2 variables from "+varsPath)
}

func TestRunLoadsYAMLVariables(t *testing.T) {
	fake := &fakeEngine{compileResult: &engine.CompilationResult{Prompt: "p"}}
	runner, _ := newTestRunner(fake)

	varsPath := filepath.Join(t.TempDir(), "vars.yaml")
	require.NoError(t, os.WriteFile(varsPath, []byte("user:\n  name: sam\nflag: true\n"), 0o644))

	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath:  "tpl.json",
		VariablesPath: varsPath,
	})

	require.Equal(t, StatusSuccess, outcome.Status)
	require.Contains(t, fake.lastVariables, "user")
	nested, ok := fake.lastVariables["user"].(map[string]interface{})
	require.True(t, ok, "nested YAML mappings must decode as string-keyed maps")
	assert.Equal(t, "sam", nested["name"])
	assert.Equal(t, true, fake.lastVariables["flag"])
}

func TestRunVariablesFailureSkipsEngine(t *testing.T) {
	fake := &fakeEngine{compileResult: &engine.CompilationResult{Prompt: "p"}}
	runner, buf := newTestRunner(fake)

	varsPath := filepath.Join(t.TempDir(), "vars.json")
	require.NoError(t, os.WriteFile(varsPath, []byte(`[1, 2]`), 0o644))

	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath:  "tpl.json",
		VariablesPath: varsPath,
	})

	require.Equal(t, StatusVariablesFailed, outcome.Status)
	assert.Zero(t, fake.compileCalls)
	assert.Contains(t, buf.String(), "[ERROR] Failed to load variables: variables file must contain a JSON object")
}

func TestLoadVariablesFailures(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := loadVariables(filepath.Join(dir, "absent.json"))
		assertVariablesError(t, err, errors.ErrCodeVariablesNotFound)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := loadVariables(writeFile("broken.json", `{"name":`))
		assertVariablesError(t, err, errors.ErrCodeVariablesInvalid)
	})

	t.Run("json top level not object", func(t *testing.T) {
		_, err := loadVariables(writeFile("list.json", `[1]`))
		assertVariablesError(t, err, errors.ErrCodeVariablesInvalid)
	})

	t.Run("yaml top level not mapping", func(t *testing.T) {
		_, err := loadVariables(writeFile("list.yaml", "- one\n- two\n"))
		assertVariablesError(t, err, errors.ErrCodeVariablesInvalid)
	})

	t.Run("empty yaml", func(t *testing.T) {
		_, err := loadVariables(writeFile("empty.yml", ""))
		assertVariablesError(t, err, errors.ErrCodeVariablesInvalid)
	})

	t.Run("oversized", func(t *testing.T) {
		path := writeFile("huge.json", `{}`)
		require.NoError(t, os.Truncate(path, MaxVariablesFileSize+1))
		_, err := loadVariables(path)
		assertVariablesError(t, err, errors.ErrCodeVariablesTooLarge)
	})
}

func assertVariablesError(t *testing.T, err error, code string) {
	t.Helper()
	var ie *errors.ITSError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errors.ErrorTypeVariables, ie.Type)
	assert.Equal(t, code, ie.Code)
	assert.True(t, ie.Recoverable)
}

func TestReportFailureCascade(t *testing.T) {
	secErr := errors.NewSecurityError(errors.ErrCodeUntrustedSchema,
		"schema is not in the allowlist", "untrusted_schema")
	valErr := errors.NewValidationError(errors.ErrCodeValidationFailed,
		"template validation failed",
		[]string{"template version is missing"},
		[]string{"content[0] contains prompt injection markers"}).WithPath("tpl.json")
	compErr := errors.NewCompilationError(errors.ErrCodeConditionFailed,
		"cannot evaluate conditional", nil)
	varErr := errors.NewVariablesError(errors.ErrCodeUndefinedVariable,
		"template references undefined variables: user.name", nil)
	inputErr := errors.ErrTemplateNotFound("tpl.json")

	testCases := []struct {
		name     string
		err      error
		verbose  bool
		status   Status
		contains []string
		excludes []string
	}{
		{
			name:     "security error",
			err:      secErr,
			status:   StatusSecurityRejected,
			contains: []string{"[ERROR] Security Error: schema is not in the allowlist"},
			excludes: []string{"Threat Type:"},
		},
		{
			name:     "security error verbose",
			err:      secErr,
			verbose:  true,
			status:   StatusSecurityRejected,
			contains: []string{"Threat Type: untrusted_schema"},
		},
		{
			name:   "validation error",
			err:    valErr,
			status: StatusValidationFailed,
			contains: []string{
				"[ERROR] Validation Error: template validation failed",
				"Path: tpl.json",
				"• template version is missing",
				"• Security: content[0] contains prompt injection markers",
			},
		},
		{
			name:     "compilation error",
			err:      compErr,
			status:   StatusCompilationFailed,
			contains: []string{"[ERROR] Compilation Error: cannot evaluate conditional"},
		},
		{
			name:     "variables error from engine",
			err:      varErr,
			status:   StatusVariablesFailed,
			contains: []string{"[ERROR] ITS Error: template references undefined variables: user.name"},
		},
		{
			name:     "input error",
			err:      inputErr,
			status:   StatusUnexpectedError,
			contains: []string{"[ERROR] ITS Error: template file not found"},
		},
		{
			name:     "unclassified error",
			err:      os.ErrDeadlineExceeded,
			status:   StatusUnexpectedError,
			contains: []string{"[ERROR] Unexpected error:"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeEngine{compileErr: tc.err}
			runner, buf := newTestRunner(fake)

			outcome := runner.Run(context.Background(), CompileRequest{
				TemplatePath: "tpl.json",
				Verbose:      tc.verbose,
			})

			assert.Equal(t, tc.status, outcome.Status)
			assert.True(t, outcome.Failed())
			assert.Error(t, outcome.Err)
			for _, want := range tc.contains {
				assert.Contains(t, buf.String(), want)
			}
			for _, unwanted := range tc.excludes {
				assert.NotContains(t, buf.String(), unwanted)
			}
		})
	}
}

func TestRunWritesSecurityReport(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "p"},
		report: &engine.SecurityReport{
			TemplatePath: "tpl.json",
			GeneratedAt:  time.Now().UTC(),
			Issues:       []string{},
		},
	}
	runner, buf := newTestRunner(fake)

	reportPath := filepath.Join(t.TempDir(), "report.json")
	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath:       "tpl.json",
		SecurityReportPath: reportPath,
	})

	require.Equal(t, StatusSuccess, outcome.Status)
	assert.Contains(t, buf.String(), "Security report written to: "+reportPath)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "tpl.json", decoded["template_path"])
}

func TestRunSecurityReportFailureIsWarning(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "p"},
		reportErr:     errors.ErrTemplateNotFound("tpl.json"),
	}
	runner, buf := newTestRunner(fake)

	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath:       "tpl.json",
		SecurityReportPath: filepath.Join(t.TempDir(), "report.json"),
	})

	require.Equal(t, StatusSuccess, outcome.Status, "a failed report never fails the run")
	assert.Contains(t, buf.String(), "[WARNING] Failed to generate security report:")
}

func TestRunSecurityReportUnsafePathIsWarning(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "p"},
		report:        &engine.SecurityReport{TemplatePath: "tpl.json"},
	}
	runner, buf := newTestRunner(fake)
	runner.Guard = func(string) bool { return false }

	reportPath := filepath.Join(t.TempDir(), "report.json")
	outcome := runner.Run(context.Background(), CompileRequest{
		TemplatePath:       "tpl.json",
		SecurityReportPath: reportPath,
	})

	require.Equal(t, StatusSuccess, outcome.Status)
	assert.Contains(t, buf.String(), "[WARNING] Failed to generate security report: unsafe report path")

	_, err := os.Stat(reportPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunVerboseSecurityPreamble(t *testing.T) {
	fake := &fakeEngine{
		compileResult: &engine.CompilationResult{Prompt: "p"},
		status: engine.SecurityStatus{Features: map[string]bool{
			"schema_allowlist": true,
			"https_only":       true,
			"strict_mode":      false,
		}},
	}
	runner, buf := newTestRunner(fake)

	outcome := runner.Run(context.Background(), CompileRequest{TemplatePath: "tpl.json", Verbose: true})

	require.Equal(t, StatusSuccess, outcome.Status)
	out := buf.String()
	assert.Contains(t, out, "Security Configuration:")
	assert.Contains(t, out, "  HTTP allowed: false")
	assert.Contains(t, out, "  Interactive allowlist: false")
	assert.Contains(t, out, "  Block localhost: true")
	assert.Contains(t, out, "Security Features: https_only, schema_allowlist")
	assert.NotContains(t, out, "strict_mode")
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, writeFileAtomic(path, []byte("new contents")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new contents", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".its-output-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp files must not survive a successful write")
}

func TestStatusString(t *testing.T) {
	testCases := []struct {
		status   Status
		expected string
	}{
		{StatusSuccess, "success"},
		{StatusVariablesFailed, "variables_failed"},
		{StatusValidationFailed, "validation_failed"},
		{StatusSecurityRejected, "security_rejected"},
		{StatusCompilationFailed, "compilation_failed"},
		{StatusOutputRejected, "output_rejected"},
		{StatusUnexpectedError, "unexpected_error"},
		{Status(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.status.String())
		})
	}
}
