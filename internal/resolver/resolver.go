// Package resolver turns the template argument into a local file path.
// URLs are downloaded under the security policy's scheme, timeout and size
// rules into a temporary file the caller must clean up on every exit path.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alexanderparker/its-compiler-go/internal/config"
	"github.com/alexanderparker/its-compiler-go/internal/errors"
	"github.com/alexanderparker/its-compiler-go/internal/logging"
	"github.com/alexanderparker/its-compiler-go/internal/validation"
)

// Resolved is the outcome of input resolution. Temporary marks downloaded
// templates whose backing file belongs to this invocation.
type Resolved struct {
	Path      string
	SourceURL string
	Temporary bool

	logger logging.Logger
}

// Cleanup removes the temporary file behind a downloaded template. It is
// safe to call on local-path results and safe to call twice. Removal
// failures are logged as warnings, never escalated.
func (r *Resolved) Cleanup(ctx context.Context) {
	if r == nil || !r.Temporary {
		return
	}
	if err := os.Remove(r.Path); err != nil {
		if os.IsNotExist(err) {
			return
		}
		r.logger.Warn(ctx, err, "failed to remove temporary template file", "path", r.Path)
		return
	}
	r.logger.Debug(ctx, "removed temporary template file", "path", r.Path)
}

// Resolver classifies template inputs and downloads remote ones.
type Resolver struct {
	policy config.SecurityPolicy
	client *http.Client
	logger logging.Logger
}

// New builds a Resolver whose HTTP client carries the policy's timeout.
func New(policy config.SecurityPolicy, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Resolver{
		policy: policy,
		client: &http.Client{
			Timeout: time.Duration(policy.Network.RequestTimeoutSeconds) * time.Second,
		},
		logger: logger.WithComponent("resolver"),
	}
}

// Resolve returns a local path for the template input. Local paths are
// checked for existence only; URLs go through the policy gate and a bounded
// download.
func (r *Resolver) Resolve(ctx context.Context, input string) (*Resolved, error) {
	if validation.IsTemplateURL(input) {
		return r.download(ctx, input)
	}

	if _, err := os.Stat(input); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrTemplateNotFound(input)
		}
		return nil, errors.NewInputError(errors.ErrCodeTemplateNotFound,
			fmt.Sprintf("cannot access template: %s", input), err)
	}
	return &Resolved{Path: input, logger: r.logger}, nil
}

func (r *Resolver) download(ctx context.Context, rawURL string) (*Resolved, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			fmt.Sprintf("invalid template URL: %s", rawURL), err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, errors.ErrSchemeBlocked(scheme)
	}
	if !r.policy.ProtocolAllowed(scheme) {
		return nil, errors.NewInputError(errors.ErrCodeHTTPBlocked,
			"HTTP template downloads are disabled (use --allow-http to enable)", nil)
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			fmt.Sprintf("cannot request template: %s", rawURL), err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			fmt.Sprintf("template download failed: %s", rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			fmt.Sprintf("template download failed with HTTP %d: %s", resp.StatusCode, rawURL), nil)
	}

	maxBytes := r.policy.Network.MaxResponseSizeBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			fmt.Sprintf("template download failed: %s", rawURL), err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			fmt.Sprintf("template download exceeds maximum size (%d bytes): %s", maxBytes, rawURL), nil)
	}

	// Low-cost sanity check before anything touches disk. Full schema
	// validation belongs to the engine.
	var probe interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, errors.NewInputError(errors.ErrCodeInvalidJSON,
			"downloaded content is not valid JSON", err)
	}

	tmp, err := os.CreateTemp("", "its-template-*.json")
	if err != nil {
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			"cannot create temporary file for downloaded template", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			"cannot store downloaded template", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, errors.NewInputError(errors.ErrCodeDownloadFailed,
			"cannot store downloaded template", err)
	}

	r.logger.Debug(ctx, "downloaded template",
		"url", rawURL, "bytes", len(body), "path", tmp.Name(),
		"elapsed", time.Since(started).String())
	return &Resolved{
		Path:      tmp.Name(),
		SourceURL: rawURL,
		Temporary: true,
		logger:    r.logger,
	}, nil
}
