// Package resolver maps module specifiers to module content for the three
// origins a bundle draws from: tenant files, framework files and remote URLs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/framework"
)

// ErrNotFound reports that a specifier could not be resolved.
var ErrNotFound = errors.New("resolver: module not found")

// TenantContentType is served for every tenant file.
const TenantContentType = "script/plain-text-module"

const (
	defaultFetchTimeout   = 10 * time.Second
	defaultMaxRemoteBytes = 10 << 20
	maxRedirects          = 10
)

// Origin identifies which branch produced a module.
type Origin string

const (
	OriginTenant    Origin = "tenant"
	OriginFramework Origin = "framework"
	OriginRemote    Origin = "remote"
)

// Module is one resolved module record.
type Module struct {
	Specifier string            `cbor:"specifier" json:"specifier"`
	Kind      string            `cbor:"kind" json:"kind"`
	Headers   map[string]string `cbor:"headers,omitempty" json:"headers,omitempty"`
	Content   string            `cbor:"content" json:"content"`
	Origin    Origin            `cbor:"-" json:"-"`
	Missing   bool              `cbor:"-" json:"-"`
}

// Options configures a Resolver.
type Options struct {
	HTTPClient     *http.Client
	FetchTimeout   time.Duration
	MaxRemoteBytes int64
	Framework      fs.FS
	Logger         *slog.Logger
}

// Resolver is safe for concurrent use.
type Resolver struct {
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	framework fs.FS
	logger    *slog.Logger
}

// New constructs a Resolver. Unset options fall back to the embedded
// framework, a 10s fetch timeout and a 10 MiB remote body limit.
func New(opts Options) *Resolver {
	r := &Resolver{
		client:    opts.HTTPClient,
		timeout:   opts.FetchTimeout,
		maxBytes:  opts.MaxRemoteBytes,
		framework: opts.Framework,
		logger:    opts.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = defaultFetchTimeout
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxRemoteBytes
	}
	if r.framework == nil {
		r.framework = framework.FS()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	return r
}

// Resolve returns the module for specifier. Tenant files are matched first,
// then framework files, then the specifier is fetched over the network.
func (r *Resolver) Resolve(ctx context.Context, specifier string, bc *BuildContext) (*Module, error) {
	if bc == nil {
		return nil, errors.New("resolver: nil build context")
	}
	switch {
	case strings.HasPrefix(specifier, bc.FileBaseURL()):
		return r.resolveTenant(specifier, bc), nil
	case strings.HasPrefix(specifier, bc.FrameworkURL):
		return r.resolveFramework(specifier, bc)
	default:
		return r.resolveRemote(ctx, specifier)
	}
}

func (r *Resolver) resolveTenant(specifier string, bc *BuildContext) *Module {
	name := strings.TrimPrefix(specifier, bc.FileBaseURL())
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	mod := &Module{
		Specifier: specifier,
		Kind:      "module",
		Headers:   map[string]string{"content-type": TenantContentType},
		Origin:    OriginTenant,
	}
	file, ok := bc.Files[name]
	if !ok {
		r.logger.Warn("tenant file missing", "applet_id", bc.AppletID, "file", name)
		mod.Content = MissingCode(name)
		mod.Missing = true
		return mod
	}
	mod.Content = file.Content
	return mod
}

func (r *Resolver) resolveFramework(specifier string, bc *BuildContext) (*Module, error) {
	name := strings.TrimPrefix(specifier, bc.FrameworkURL)
	mod := &Module{
		Specifier: specifier,
		Kind:      "module",
		Headers:   map[string]string{"content-type": "application/typescript"},
		Origin:    OriginFramework,
	}
	if name == framework.RoutesFile {
		content, err := framework.RenderRoutes(bc.AppletID, bc.Version, bc.Routes)
		if err != nil {
			return nil, err
		}
		mod.Content = content
		return mod, nil
	}
	data, err := fs.ReadFile(r.framework, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return nil, fmt.Errorf("framework file %q: %w", name, ErrNotFound)
		}
		return nil, err
	}
	mod.Content = string(data)
	return mod, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, specifier string) (*Module, error) {
	u, err := url.Parse(specifier)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("unsupported specifier %q: %w", specifier, ErrNotFound)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request %q: %w", specifier, ErrNotFound)
	}
	client := *r.client
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		r.logger.Warn("remote module fetch failed", "specifier", specifier, "error", err)
		return nil, fmt.Errorf("fetch %q: %v: %w", specifier, err, ErrNotFound)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		r.logger.Warn("remote module status", "specifier", specifier, "status", resp.StatusCode)
		return nil, fmt.Errorf("fetch %q: status %d: %w", specifier, resp.StatusCode, ErrNotFound)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %q: %v: %w", specifier, err, ErrNotFound)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("module %q exceeds %d bytes: %w", specifier, r.maxBytes, ErrNotFound)
	}

	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return &Module{
		Specifier: resp.Request.URL.String(),
		Kind:      "module",
		Headers:   headers,
		Content:   string(body),
		Origin:    OriginRemote,
	}, nil
}

// MissingCode returns the placeholder served for a tenant file that does not
// exist. It carries no ESM exports so named imports of it still bundle.
func MissingCode(name string) string {
	return fmt.Sprintf("// missing code: %s\nconsole.warn(%q);\n", name, "zipper: missing code for "+name)
}
