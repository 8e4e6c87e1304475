package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alexanderparker/its-compiler-go/internal/allowlist"
	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
	"github.com/alexanderparker/its-compiler-go/internal/logging"
)

// TrustPromptFunc asks the user whether an untrusted schema URL should be
// trusted for this session. A nil prompt means prompting is unavailable
// (non-interactive stdin) and untrusted schemas are rejected outright.
type TrustPromptFunc func(url string) bool

// fetchedSchema is one extends entry resolved to its instruction types.
type fetchedSchema struct {
	url   string
	types map[string]TypeDef
}

// schemaDocument is the wire shape of a fetched schema file.
type schemaDocument struct {
	InstructionTypes map[string]TypeDef `json:"instructionTypes"`
}

// schemaFetcher gates schema references through the allowlist and policy,
// then downloads and caches them. The cache is per process so repeated
// compiles in a watch session skip the network.
type schemaFetcher struct {
	policy config.SecurityPolicy
	store  *allowlist.Manager
	prompt TrustPromptFunc
	client *http.Client
	logger logging.Logger

	mu      sync.Mutex
	cache   map[string]map[string]TypeDef
	noCache bool
}

func newSchemaFetcher(policy config.SecurityPolicy, store *allowlist.Manager, prompt TrustPromptFunc, client *http.Client, noCache bool, logger logging.Logger) *schemaFetcher {
	if client == nil {
		client = &http.Client{
			Timeout: time.Duration(policy.Network.RequestTimeoutSeconds) * time.Second,
		}
	}
	f := &schemaFetcher{
		policy:  policy,
		store:   store,
		prompt:  prompt,
		client:  client,
		logger:  logger,
		cache:   make(map[string]map[string]TypeDef),
		noCache: noCache,
	}
	f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("too many redirects")
		}
		return f.checkURL(req.URL)
	}
	return f
}

// fetch resolves one schema reference. Trust is checked before any network
// activity so an untrusted URL is never contacted.
func (f *schemaFetcher) fetch(ctx context.Context, rawURL string) (fetchedSchema, error) {
	if err := f.checkTrust(rawURL); err != nil {
		return fetchedSchema{}, err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fetchedSchema{}, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("invalid schema URL: %s", rawURL), err)
	}
	if err := f.checkURL(parsed); err != nil {
		return fetchedSchema{}, err
	}

	if !f.noCache {
		f.mu.Lock()
		cached, ok := f.cache[rawURL]
		f.mu.Unlock()
		if ok {
			f.logger.Debug(ctx, "schema cache hit", "url", rawURL)
			return fetchedSchema{url: rawURL, types: cached}, nil
		}
	}

	types, err := f.download(ctx, rawURL)
	if err != nil {
		return fetchedSchema{}, err
	}

	if !f.noCache {
		f.mu.Lock()
		f.cache[rawURL] = types
		f.mu.Unlock()
	}
	return fetchedSchema{url: rawURL, types: types}, nil
}

// checkTrust consults the allowlist and, when interactive mode permits,
// the trust prompt. A session grant from the prompt is recorded so the
// question is asked once per URL per process.
func (f *schemaFetcher) checkTrust(rawURL string) error {
	if f.store.IsTrusted(rawURL) {
		if err := f.store.RecordUse(rawURL); err != nil {
			f.logger.Warn(context.Background(), err, "failed to record schema use", "url", rawURL)
		}
		return nil
	}

	if f.policy.Allowlist.InteractiveMode && f.prompt != nil {
		if f.prompt(rawURL) {
			if err := f.store.AddTrusted(rawURL, allowlist.TrustSession, "Approved interactively"); err != nil {
				f.logger.Warn(context.Background(), err, "failed to record session trust", "url", rawURL)
			}
			if err := f.store.RecordUse(rawURL); err != nil {
				f.logger.Warn(context.Background(), err, "failed to record schema use", "url", rawURL)
			}
			return nil
		}
	}

	return errors.ErrUntrustedSchema(rawURL)
}

// checkURL enforces the network policy on a schema URL: allowed protocols,
// the HTTP gate, and the localhost block. It also runs on every redirect
// hop so a trusted host cannot bounce the fetch somewhere the policy
// rejects.
func (f *schemaFetcher) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !f.policy.ProtocolAllowed(scheme) {
		if scheme == "http" {
			return errors.NewSecurityError(errors.ErrCodeHTTPBlocked,
				fmt.Sprintf("plain HTTP schema source blocked: %s (use --allow-http to permit)", u.String()),
				"insecure_transport")
		}
		return errors.NewSecurityError(errors.ErrCodeSchemeBlocked,
			fmt.Sprintf("schema URL scheme %q is not permitted", scheme),
			"blocked_scheme")
	}

	if f.policy.Network.BlockLocalhost && isLocalHost(u.Hostname()) {
		return errors.NewSecurityError(errors.ErrCodeSecurityViolation,
			fmt.Sprintf("schema host %q resolves to a local or private address", u.Hostname()),
			"ssrf_attempt")
	}
	return nil
}

func isLocalHost(host string) bool {
	lowered := strings.ToLower(host)
	if lowered == "localhost" || strings.HasSuffix(lowered, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func (f *schemaFetcher) download(ctx context.Context, rawURL string) (map[string]TypeDef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("cannot request schema: %s", rawURL), err)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		var ie *errors.ITSError
		if stderrors.As(err, &ie) {
			return nil, ie
		}
		return nil, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("failed to fetch schema: %s", rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("schema fetch returned HTTP %d: %s", resp.StatusCode, rawURL), nil)
	}

	maxBytes := f.policy.Network.MaxResponseSizeBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("failed to read schema response: %s", rawURL), err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.NewSecurityError(errors.ErrCodeSecurityViolation,
			fmt.Sprintf("schema response exceeds maximum size (%d bytes): %s", maxBytes, rawURL),
			"resource_limits")
	}

	var doc schemaDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("schema is not valid JSON: %s", rawURL), err)
	}
	if len(doc.InstructionTypes) == 0 {
		return nil, errors.NewCompilationError(errors.ErrCodeSchemaFetch,
			fmt.Sprintf("schema defines no instruction types: %s", rawURL), nil)
	}

	f.logger.Debug(ctx, "fetched schema",
		"url", rawURL, "types", len(doc.InstructionTypes), "bytes", len(body),
		"elapsed", time.Since(started).String())
	return doc.InstructionTypes, nil
}
