package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexanderparker/its-compiler-go/internal/allowlist"
	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
)

func testPolicy(t *testing.T) config.SecurityPolicy {
	t.Helper()
	return config.SecurityPolicy{
		Network: config.NetworkPolicy{
			AllowedProtocols:      []string{"https"},
			BlockLocalhost:        true,
			RequestTimeoutSeconds: 5,
			MaxResponseSizeBytes:  config.DefaultMaxResponseSize,
		},
		Allowlist: config.AllowlistPolicy{
			Path: filepath.Join(t.TempDir(), "allowlist.json"),
		},
		Processing: config.ProcessingPolicy{
			MaxTemplateSizeBytes: config.DefaultMaxTemplateSize,
			MaxContentElements:   config.DefaultMaxContentElements,
			MaxNestingDepth:      config.DefaultMaxNestingDepth,
		},
	}
}

// networkPolicy permits plain HTTP to loopback addresses so httptest
// servers are reachable.
func networkPolicy(t *testing.T) config.SecurityPolicy {
	policy := testPolicy(t)
	policy.Network.AllowHTTP = true
	policy.Network.AllowedProtocols = []string{"https", "http"}
	policy.Network.BlockLocalhost = false
	return policy
}

func newTestCompiler(t *testing.T, policy config.SecurityPolicy, opts Options) (*Compiler, *allowlist.Manager) {
	t.Helper()
	store, err := allowlist.NewManager(policy)
	require.NoError(t, err)
	return NewCompiler(policy, store, opts), store
}

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func schemaServer(t *testing.T, hits *atomic.Int64, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCompileBasicTemplate(t *testing.T) {
	path := writeTemplate(t, `{
		"version": "1.0.0",
		"variables": {"product": {"name": "widget"}},
		"content": [
			{"type": "text", "text": "# ${product.name}\n"},
			{"type": "placeholder", "instructionType": "paragraph", "config": {"description": "all about widgets"}}
		]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	result, err := compiler.Compile(context.Background(), path, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.Prompt, "INTRODUCTION\n"))
	assert.Contains(t, result.Prompt, "TEMPLATE\n\n# widget\n")
	assert.Contains(t, result.Prompt, "([{<INSTRUCTION: Write a paragraph using this description: all about widgets>}])")
	assert.True(t, strings.HasSuffix(result.Prompt, "\n"))
	assert.Empty(t, result.Warnings)
	assert.Empty(t, result.Overrides)
}

func TestCompileVariablePrecedence(t *testing.T) {
	path := writeTemplate(t, `{
		"version": "1.0.0",
		"variables": {"product": {"name": "base", "sku": "B-1"}, "audience": "everyone"},
		"content": [{"type": "text", "text": "${product.name}/${product.sku}/${audience}"}]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	result, err := compiler.Compile(context.Background(), path, map[string]interface{}{
		"product": map[string]interface{}{"name": "cli"},
	})
	require.NoError(t, err)

	// Caller variables win key by key; untouched nested keys survive.
	assert.Contains(t, result.Prompt, "cli/B-1/everyone")
}

func TestCompileUndefinedVariables(t *testing.T) {
	path := writeTemplate(t, `{
		"version": "1.0.0",
		"content": [{"type": "text", "text": "${zeta.b} and ${alpha}"}]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	_, err := compiler.Compile(context.Background(), path, nil)
	require.Error(t, err)

	assert.Equal(t, errors.ErrorTypeVariables, errors.TypeOf(err))
	assert.True(t, errors.IsRecoverable(err))
	assert.Contains(t, err.Error(), "alpha, zeta.b")
}

func TestCompileConditionals(t *testing.T) {
	template := `{
		"version": "1.0.0",
		"content": [
			{"type": "conditional", "condition": "audience == 'expert'",
				"content": [{"type": "text", "text": "EXPERT"}],
				"else": [{"type": "text", "text": "NOVICE"}]}
		]
	}`

	t.Run("true branch", func(t *testing.T) {
		compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
		result, err := compiler.Compile(context.Background(), writeTemplate(t, template),
			map[string]interface{}{"audience": "expert"})
		require.NoError(t, err)
		assert.Contains(t, result.Prompt, "EXPERT")
		assert.NotContains(t, result.Prompt, "NOVICE")
	})

	t.Run("else branch", func(t *testing.T) {
		compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
		result, err := compiler.Compile(context.Background(), writeTemplate(t, template),
			map[string]interface{}{"audience": "novice"})
		require.NoError(t, err)
		assert.Contains(t, result.Prompt, "NOVICE")
		assert.NotContains(t, result.Prompt, "EXPERT")
	})

	t.Run("missing else yields nothing", func(t *testing.T) {
		path := writeTemplate(t, `{
			"version": "1.0.0",
			"content": [
				{"type": "text", "text": "always"},
				{"type": "conditional", "condition": "flag",
					"content": [{"type": "text", "text": "FLAGGED"}]}
			]
		}`)
		compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
		result, err := compiler.Compile(context.Background(), path, nil)
		require.NoError(t, err)
		assert.Contains(t, result.Prompt, "always")
		assert.NotContains(t, result.Prompt, "FLAGGED")
	})

	t.Run("evaluation failure", func(t *testing.T) {
		path := writeTemplate(t, `{
			"version": "1.0.0",
			"content": [
				{"type": "conditional", "condition": "count < 'three'",
					"content": [{"type": "text", "text": "X"}]}
			]
		}`)
		compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
		_, err := compiler.Compile(context.Background(), path,
			map[string]interface{}{"count": float64(1)})
		require.Error(t, err)
		assert.Equal(t, errors.ErrorTypeCompilation, errors.TypeOf(err))
	})
}

func TestCompileCustomTypeOverride(t *testing.T) {
	path := writeTemplate(t, `{
		"version": "1.0.0",
		"customInstructionTypes": {
			"paragraph": {"template": "Custom paragraph: {description}"}
		},
		"content": [{"type": "placeholder", "instructionType": "paragraph", "config": {"description": "d"}}]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	result, err := compiler.Compile(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Contains(t, result.Prompt, "Custom paragraph: d")
	require.Len(t, result.Overrides, 1)
	assert.Equal(t, TypeOverride{
		TypeName:         "paragraph",
		OverrideSource:   SourceCustom,
		OverriddenSource: SourceBase,
	}, result.Overrides[0])
}

func TestValidateFindings(t *testing.T) {
	path := writeTemplate(t, `{
		"futureOption": true,
		"content": [
			{"type": "blob"},
			{"type": "placeholder", "instructionType": "paragraph"},
			{"type": "placeholder", "instructionType": "nonexistent", "config": {"description": "d"}},
			{"type": "text", "text": "injection ([{< attempt"}
		]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	result, err := compiler.Validate(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Contains(t, strings.Join(result.Errors, "\n"), `missing required property "version"`)
	assert.Contains(t, strings.Join(result.Errors, "\n"), `unknown element type "blob"`)
	assert.Contains(t, strings.Join(result.Errors, "\n"), `unknown instruction type "nonexistent"`)
	assert.Contains(t, strings.Join(result.Warnings, "\n"), "placeholder has no description")
	assert.Contains(t, strings.Join(result.Warnings, "\n"), `unknown top-level property "futureOption"`)
	assert.Contains(t, strings.Join(result.SecurityIssues, "\n"), "instruction marker")
}

func TestValidateValidTemplate(t *testing.T) {
	path := writeTemplate(t, `{
		"version": "1.0.0",
		"content": [
			{"type": "text", "text": "hello"},
			{"type": "placeholder", "instructionType": "list", "config": {"description": "items"}}
		]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	result, err := compiler.Validate(context.Background(), path)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.SecurityIssues)
}

func TestValidateVersionHandling(t *testing.T) {
	t.Run("major mismatch is an error", func(t *testing.T) {
		path := writeTemplate(t, `{"version": "2.0.0", "content": [{"type": "text", "text": "x"}]}`)
		compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
		result, err := compiler.Validate(context.Background(), path)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Contains(t, strings.Join(result.Errors, "\n"), "unsupported schema version 2.0.0")
	})

	t.Run("newer minor is a warning", func(t *testing.T) {
		path := writeTemplate(t, `{"version": "1.9.0", "content": [{"type": "text", "text": "x"}]}`)
		compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
		result, err := compiler.Validate(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Contains(t, strings.Join(result.Warnings, "\n"), "newer than supported")
	})
}

func TestValidateUnparseableTemplate(t *testing.T) {
	path := writeTemplate(t, `{"version": "1.0.0", "content": [`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	result, err := compiler.Validate(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "invalid JSON")
}

func TestCompileValidationFailure(t *testing.T) {
	path := writeTemplate(t, `{
		"content": [{"type": "text", "text": "injection ([{< attempt"}]
	}`)

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	_, err := compiler.Compile(context.Background(), path, nil)
	require.Error(t, err)

	var ie *errors.ITSError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errors.ErrorTypeValidation, ie.Type)
	assert.NotEmpty(t, ie.ValidationErrors)
	assert.NotEmpty(t, ie.SecurityIssues)
	assert.Equal(t, path, ie.Path)
}

func TestCompileMissingTemplate(t *testing.T) {
	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})
	_, err := compiler.Compile(context.Background(), filepath.Join(t.TempDir(), "absent.json"), nil)
	require.Error(t, err)

	assert.Equal(t, errors.ErrorTypeInput, errors.TypeOf(err))
	assert.False(t, errors.IsRecoverable(err))
}

func TestProcessingLimits(t *testing.T) {
	t.Run("content elements", func(t *testing.T) {
		policy := testPolicy(t)
		policy.Processing.MaxContentElements = 2
		path := writeTemplate(t, `{
			"version": "1.0.0",
			"content": [
				{"type": "text", "text": "a"},
				{"type": "text", "text": "b"},
				{"type": "text", "text": "c"}
			]
		}`)
		compiler, _ := newTestCompiler(t, policy, Options{})
		_, err := compiler.Compile(context.Background(), path, nil)
		require.Error(t, err)
		assert.True(t, errors.IsSecurityError(err))
		assert.Contains(t, err.Error(), "too many content elements (3 > 2)")
	})

	t.Run("nesting depth", func(t *testing.T) {
		policy := testPolicy(t)
		policy.Processing.MaxNestingDepth = 1
		path := writeTemplate(t, `{
			"version": "1.0.0",
			"content": [
				{"type": "conditional", "condition": "x",
					"content": [{"type": "text", "text": "nested"}]}
			]
		}`)
		compiler, _ := newTestCompiler(t, policy, Options{})
		_, err := compiler.Compile(context.Background(), path, nil)
		require.Error(t, err)
		assert.True(t, errors.IsSecurityError(err))
		assert.Contains(t, err.Error(), "nesting is too deep")
	})

	t.Run("template size", func(t *testing.T) {
		policy := testPolicy(t)
		policy.Processing.MaxTemplateSizeBytes = 16
		path := writeTemplate(t, `{"version": "1.0.0", "content": [{"type": "text", "text": "x"}]}`)
		compiler, _ := newTestCompiler(t, policy, Options{})
		_, err := compiler.Compile(context.Background(), path, nil)
		require.Error(t, err)
		assert.True(t, errors.IsSecurityError(err))
		assert.Contains(t, err.Error(), "exceeds maximum size")
	})

	t.Run("limits apply to validation too", func(t *testing.T) {
		policy := testPolicy(t)
		policy.Processing.MaxContentElements = 1
		path := writeTemplate(t, `{
			"version": "1.0.0",
			"content": [{"type": "text", "text": "a"}, {"type": "text", "text": "b"}]
		}`)
		compiler, _ := newTestCompiler(t, policy, Options{})
		_, err := compiler.Validate(context.Background(), path)
		require.Error(t, err)
		assert.True(t, errors.IsSecurityError(err))
	})
}

func extendsTemplate(t *testing.T, url string) string {
	t.Helper()
	return writeTemplate(t, fmt.Sprintf(`{
		"version": "1.0.0",
		"extends": [%q],
		"content": [
			{"type": "placeholder", "instructionType": "paragraph", "config": {"description": "d"}},
			{"type": "placeholder", "instructionType": "custom_thing", "config": {"description": "e"}}
		]
	}`, url))
}

const schemaBody = `{
	"instructionTypes": {
		"paragraph": {"template": "Extended paragraph: {description}"},
		"custom_thing": {"template": "Custom thing: {description}"}
	}
}`

func TestCompileWithFetchedSchema(t *testing.T) {
	var hits atomic.Int64
	server := schemaServer(t, &hits, schemaBody)

	policy := networkPolicy(t)
	compiler, store := newTestCompiler(t, policy, Options{})
	require.NoError(t, store.AddTrusted(server.URL, allowlist.TrustSession, "test"))

	result, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
	require.NoError(t, err)

	assert.Contains(t, result.Prompt, "Extended paragraph: d")
	assert.Contains(t, result.Prompt, "Custom thing: e")
	require.Len(t, result.Overrides, 1)
	assert.Equal(t, "paragraph", result.Overrides[0].TypeName)
	assert.Equal(t, server.URL, result.Overrides[0].OverrideSource)
	assert.Equal(t, SourceBase, result.Overrides[0].OverriddenSource)
	assert.Equal(t, int64(1), hits.Load())
}

func TestUntrustedSchemaRejectedBeforeFetch(t *testing.T) {
	var hits atomic.Int64
	server := schemaServer(t, &hits, schemaBody)

	compiler, _ := newTestCompiler(t, networkPolicy(t), Options{})
	_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
	require.Error(t, err)

	var ie *errors.ITSError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, errors.ErrorTypeSecurity, ie.Type)
	assert.Equal(t, "untrusted_schema", ie.ThreatType)
	assert.Equal(t, int64(0), hits.Load(), "untrusted schema URL must never be contacted")
}

func TestInteractiveTrustPrompt(t *testing.T) {
	t.Run("grant adds session trust once", func(t *testing.T) {
		server := schemaServer(t, nil, schemaBody)

		policy := networkPolicy(t)
		policy.Allowlist.InteractiveMode = true

		var promptCalls int
		compiler, store := newTestCompiler(t, policy, Options{
			Prompt: func(url string) bool {
				promptCalls++
				return true
			},
		})

		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.NoError(t, err)
		_, err = compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.NoError(t, err)

		assert.Equal(t, 1, promptCalls, "session grant should suppress repeat prompts")
		entry, ok := store.Lookup(server.URL)
		require.True(t, ok)
		assert.Equal(t, allowlist.TrustSession, entry.TrustLevel)
	})

	t.Run("denial keeps the rejection", func(t *testing.T) {
		var hits atomic.Int64
		server := schemaServer(t, &hits, schemaBody)

		policy := networkPolicy(t)
		policy.Allowlist.InteractiveMode = true

		compiler, _ := newTestCompiler(t, policy, Options{
			Prompt: func(url string) bool { return false },
		})

		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)
		assert.True(t, errors.IsSecurityError(err))
		assert.Equal(t, int64(0), hits.Load())
	})

	t.Run("no prompt without interactive mode", func(t *testing.T) {
		server := schemaServer(t, nil, schemaBody)

		var promptCalls int
		compiler, _ := newTestCompiler(t, networkPolicy(t), Options{
			Prompt: func(url string) bool {
				promptCalls++
				return true
			},
		})

		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)
		assert.Zero(t, promptCalls)
	})
}

func TestSchemaFetchFailures(t *testing.T) {
	trustedCompiler := func(t *testing.T, policy config.SecurityPolicy, url string) *Compiler {
		t.Helper()
		compiler, store := newTestCompiler(t, policy, Options{})
		require.NoError(t, store.AddTrusted(url, allowlist.TrustSession, "test"))
		return compiler
	}

	t.Run("http error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		t.Cleanup(server.Close)

		compiler := trustedCompiler(t, networkPolicy(t), server.URL)
		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)
		assert.Equal(t, errors.ErrorTypeCompilation, errors.TypeOf(err))
		assert.Contains(t, err.Error(), "HTTP 404")
	})

	t.Run("malformed schema json", func(t *testing.T) {
		server := schemaServer(t, nil, `{"instructionTypes": [`)
		compiler := trustedCompiler(t, networkPolicy(t), server.URL)
		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)
		assert.Equal(t, errors.ErrorTypeCompilation, errors.TypeOf(err))
	})

	t.Run("schema without types", func(t *testing.T) {
		server := schemaServer(t, nil, `{"instructionTypes": {}}`)
		compiler := trustedCompiler(t, networkPolicy(t), server.URL)
		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no instruction types")
	})

	t.Run("oversized response", func(t *testing.T) {
		server := schemaServer(t, nil, schemaBody)
		policy := networkPolicy(t)
		policy.Network.MaxResponseSizeBytes = 16
		compiler := trustedCompiler(t, policy, server.URL)
		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)
		assert.True(t, errors.IsSecurityError(err))
		assert.Contains(t, err.Error(), "exceeds maximum size")
	})

	t.Run("plain http blocked by default policy", func(t *testing.T) {
		var hits atomic.Int64
		server := schemaServer(t, &hits, schemaBody)

		policy := testPolicy(t) // https only
		policy.Network.BlockLocalhost = false
		compiler := trustedCompiler(t, policy, server.URL)
		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)

		var ie *errors.ITSError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, errors.ErrCodeHTTPBlocked, ie.Code)
		assert.Equal(t, int64(0), hits.Load())
	})

	t.Run("localhost blocked", func(t *testing.T) {
		var hits atomic.Int64
		server := schemaServer(t, &hits, schemaBody)

		policy := networkPolicy(t)
		policy.Network.BlockLocalhost = true
		compiler := trustedCompiler(t, policy, server.URL)
		_, err := compiler.Compile(context.Background(), extendsTemplate(t, server.URL), nil)
		require.Error(t, err)

		var ie *errors.ITSError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "ssrf_attempt", ie.ThreatType)
		assert.Equal(t, int64(0), hits.Load())
	})
}

func TestSchemaCaching(t *testing.T) {
	t.Run("cached across compiles", func(t *testing.T) {
		var hits atomic.Int64
		server := schemaServer(t, &hits, schemaBody)

		compiler, store := newTestCompiler(t, networkPolicy(t), Options{})
		require.NoError(t, store.AddTrusted(server.URL, allowlist.TrustSession, "test"))

		path := extendsTemplate(t, server.URL)
		_, err := compiler.Compile(context.Background(), path, nil)
		require.NoError(t, err)
		_, err = compiler.Compile(context.Background(), path, nil)
		require.NoError(t, err)

		assert.Equal(t, int64(1), hits.Load())
	})

	t.Run("no-cache refetches", func(t *testing.T) {
		var hits atomic.Int64
		server := schemaServer(t, &hits, schemaBody)

		compiler, store := newTestCompiler(t, networkPolicy(t), Options{NoCache: true})
		require.NoError(t, store.AddTrusted(server.URL, allowlist.TrustSession, "test"))

		path := extendsTemplate(t, server.URL)
		_, err := compiler.Compile(context.Background(), path, nil)
		require.NoError(t, err)
		_, err = compiler.Compile(context.Background(), path, nil)
		require.NoError(t, err)

		assert.Equal(t, int64(2), hits.Load())
	})
}

func TestTemplateCacheInvalidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.json")
	write := func(text string) {
		content := fmt.Sprintf(`{"version": "1.0.0", "content": [{"type": "text", "text": %q}]}`, text)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	compiler, _ := newTestCompiler(t, testPolicy(t), Options{})

	write("first")
	result, err := compiler.Compile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Prompt, "first")

	// Different length guarantees the cache key changes even when the
	// filesystem's mtime granularity is coarse.
	write("second version")
	result, err = compiler.Compile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Prompt, "second version")
	assert.NotContains(t, result.Prompt, "first")
}

func TestCompileDeterminism(t *testing.T) {
	template := `{
		"version": "1.0.0",
		"variables": {"n": 2},
		"content": [
			{"type": "text", "text": "v=${n} "},
			{"type": "placeholder", "instructionType": "list", "config": {"description": "items"}},
			{"type": "conditional", "condition": "n > 1", "content": [{"type": "text", "text": " big"}]}
		]
	}`

	compilerA, _ := newTestCompiler(t, testPolicy(t), Options{})
	compilerB, _ := newTestCompiler(t, testPolicy(t), Options{})

	resultA, err := compilerA.Compile(context.Background(), writeTemplate(t, template), nil)
	require.NoError(t, err)
	resultB, err := compilerB.Compile(context.Background(), writeTemplate(t, template), nil)
	require.NoError(t, err)

	assert.Equal(t, resultA.Prompt, resultB.Prompt)
}

func TestSecurityStatus(t *testing.T) {
	policy := testPolicy(t)
	policy.Allowlist.InteractiveMode = true
	policy.Strict = true

	compiler, _ := newTestCompiler(t, policy, Options{})
	status := compiler.SecurityStatus()

	assert.True(t, status.Features["schema_allowlist"])
	assert.True(t, status.Features["interactive_prompts"])
	assert.True(t, status.Features["https_only"])
	assert.True(t, status.Features["localhost_blocked"])
	assert.True(t, status.Features["strict_mode"])

	relaxed := testPolicy(t)
	relaxed.Network.AllowHTTP = true
	relaxed.Network.BlockLocalhost = false
	compiler, _ = newTestCompiler(t, relaxed, Options{})
	status = compiler.SecurityStatus()

	assert.False(t, status.Features["https_only"])
	assert.False(t, status.Features["localhost_blocked"])
	assert.False(t, status.Features["strict_mode"])
}

func TestGenerateSecurityReport(t *testing.T) {
	policy := testPolicy(t)
	policy.Processing.MaxContentElements = 100

	compiler, store := newTestCompiler(t, policy, Options{})
	require.NoError(t, store.AddTrusted("https://example.com/types.json", allowlist.TrustPermanent, "test"))

	path := writeTemplate(t, `{
		"version": "1.0.0",
		"extends": ["https://example.com/types.json", "https://other.example.com/types.json"],
		"customInstructionTypes": {"shout": {"template": "SHOUT: {description}"}},
		"content": [
			{"type": "text", "text": "hello"},
			{"type": "placeholder", "instructionType": "shout", "config": {"description": "d"}},
			{"type": "conditional", "condition": "x",
				"content": [{"type": "placeholder", "instructionType": "shout", "config": {"description": "e"}}]}
		]
	}`)

	report, err := compiler.GenerateSecurityReport(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, path, report.TemplatePath)
	assert.False(t, report.GeneratedAt.IsZero())

	require.Len(t, report.SchemaReferences, 2)
	assert.True(t, report.SchemaReferences[0].Trusted)
	assert.Equal(t, "permanent", report.SchemaReferences[0].TrustLevel)
	assert.False(t, report.SchemaReferences[1].Trusted)
	assert.Empty(t, report.SchemaReferences[1].TrustLevel)

	assert.Equal(t, 4, report.Statistics.ContentElements)
	assert.Equal(t, 2, report.Statistics.Placeholders)
	assert.Equal(t, 1, report.Statistics.Conditionals)
	assert.Equal(t, 2, report.Statistics.MaxNestingDepth)
	assert.Equal(t, 1, report.Statistics.CustomTypeCount)
	assert.Equal(t, 2, report.Statistics.SchemaReferences)

	assert.Equal(t, 100, report.Policy.MaxContentElements)
	assert.True(t, report.Policy.BlockLocalhost)
	assert.NotNil(t, report.Issues)
	assert.Empty(t, report.Issues)
}

func TestRenderInstruction(t *testing.T) {
	typ := InstructionType{
		Name:     "recipe",
		Template: "Cook {dish} in a {tone} style",
		Source:   SourceCustom,
	}

	t.Run("all keys provided", func(t *testing.T) {
		rendered, warnings := renderInstruction(typ, map[string]interface{}{
			"dish": "soup", "tone": "rustic",
		})
		assert.Equal(t, "([{<INSTRUCTION: Cook soup in a rustic style>}])", rendered)
		assert.Empty(t, warnings)
	})

	t.Run("missing key warns and keeps slot", func(t *testing.T) {
		rendered, warnings := renderInstruction(typ, map[string]interface{}{"dish": "soup"})
		assert.Contains(t, rendered, "{tone}")
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], `"tone"`)
	})
}

func TestMergeVariables(t *testing.T) {
	base := map[string]interface{}{
		"a": "base",
		"nested": map[string]interface{}{
			"keep": float64(1),
			"swap": "old",
		},
	}
	override := map[string]interface{}{
		"nested": map[string]interface{}{"swap": "new"},
		"extra":  true,
	}

	merged := mergeVariables(base, override)

	assert.Equal(t, "base", merged["a"])
	assert.Equal(t, true, merged["extra"])
	nested := merged["nested"].(map[string]interface{})
	assert.Equal(t, float64(1), nested["keep"])
	assert.Equal(t, "new", nested["swap"])

	// Inputs stay untouched.
	assert.Equal(t, "old", base["nested"].(map[string]interface{})["swap"])
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "text", formatValue("text"))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, "3", formatValue(float64(3)))
	assert.Equal(t, "2.5", formatValue(float64(2.5)))
	assert.Equal(t, "7", formatValue(7))
	assert.Equal(t, `["a","b"]`, formatValue([]interface{}{"a", "b"}))
	assert.Equal(t, `{"k":1}`, formatValue(map[string]interface{}{"k": float64(1)}))
}
