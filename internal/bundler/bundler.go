// Package bundler walks an applet's module graph and packs every reachable
// module into one serializable Bundle.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
)

const namespace = "zipper"

// Bundle is the portable artifact produced for one applet version.
type Bundle struct {
	AppletID    string            `cbor:"applet_id" json:"applet_id"`
	Version     string            `cbor:"version" json:"version"`
	VersionHash string            `cbor:"version_hash" json:"version_hash"`
	Roots       []string          `cbor:"roots" json:"roots"`
	Modules     []resolver.Module `cbor:"modules" json:"modules"`
}

// Module returns the record for specifier.
func (b *Bundle) Module(specifier string) (*resolver.Module, bool) {
	i := sort.Search(len(b.Modules), func(i int) bool { return b.Modules[i].Specifier >= specifier })
	if i < len(b.Modules) && b.Modules[i].Specifier == specifier {
		return &b.Modules[i], true
	}
	return nil, false
}

// EventType labels a build progress event.
type EventType string

const (
	EventModuleResolved EventType = "module_resolved"
	EventModuleAdded    EventType = "module_added"
	EventModuleExternal EventType = "module_external"
)

// Event reports build progress.
type Event struct {
	Type      EventType       `json:"type"`
	Specifier string          `json:"specifier"`
	Origin    resolver.Origin `json:"origin,omitempty"`
}

// Observer receives build progress. Calls may arrive concurrently.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) { f(e) }

// BuildOption customises one Build call.
type BuildOption func(*buildState)

// WithObserver attaches a progress observer.
func WithObserver(o Observer) BuildOption {
	return func(s *buildState) { s.observer = o }
}

// Bundler drives esbuild over the resolver. It holds no per-build state.
type Bundler struct {
	logger *slog.Logger
}

// New constructs a Bundler.
func New(logger *slog.Logger) *Bundler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bundler{logger: logger}
}

type buildState struct {
	ctx      context.Context
	bc       *resolver.BuildContext
	cache    *Cache
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	modules map[string]resolver.Module
	rootErr error
}

// Build resolves every root and everything they import. A root that cannot
// be resolved fails the build; any other unresolvable import is left
// external and omitted from the bundle.
func (b *Bundler) Build(ctx context.Context, roots []string, bc *resolver.BuildContext, cache *Cache, opts ...BuildOption) (*Bundle, error) {
	if bc == nil || cache == nil {
		return nil, errors.New("bundler: build context and cache are required")
	}
	if len(roots) == 0 {
		return nil, errors.New("bundler: no roots")
	}
	state := &buildState{
		ctx:     ctx,
		bc:      bc,
		cache:   cache,
		logger:  b.logger.With("applet_id", bc.AppletID, "version", bc.Version),
		modules: make(map[string]resolver.Module),
	}
	for _, opt := range opts {
		opt(state)
	}

	entries := make([]api.EntryPoint, 0, len(roots))
	for i, root := range roots {
		entries = append(entries, api.EntryPoint{InputPath: root, OutputPath: fmt.Sprintf("entry%d", i)})
	}

	result := api.Build(api.BuildOptions{
		EntryPointsAdvanced: entries,
		Bundle:              true,
		Write:               false,
		Outdir:              "out",
		Format:              api.FormatESModule,
		Platform:            api.PlatformNeutral,
		Target:              api.ESNext,
		LogLevel:            api.LogLevelSilent,
		Plugins:             []api.Plugin{state.plugin()},
	})

	state.mu.Lock()
	rootErr := state.rootErr
	state.mu.Unlock()
	if rootErr != nil {
		return nil, rootErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("bundler: %s", formatMessage(result.Errors[0]))
	}

	bundle := &Bundle{
		AppletID: bc.AppletID,
		Version:  bc.Version,
		Roots:    append([]string(nil), roots...),
		Modules:  make([]resolver.Module, 0, len(state.modules)),
	}
	for _, mod := range state.modules {
		bundle.Modules = append(bundle.Modules, mod)
	}
	sort.Slice(bundle.Modules, func(i, j int) bool { return bundle.Modules[i].Specifier < bundle.Modules[j].Specifier })
	state.logger.Info("bundle built", "modules", len(bundle.Modules), "roots", len(roots))
	return bundle, nil
}

func (s *buildState) plugin() api.Plugin {
	return api.Plugin{
		Name: "zipper-resolver",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, s.onResolve)
			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: namespace}, s.onLoad)
		},
	}
}

func (s *buildState) onResolve(args api.OnResolveArgs) (api.OnResolveResult, error) {
	if err := s.ctx.Err(); err != nil {
		return api.OnResolveResult{}, err
	}
	isRoot := args.Kind == api.ResolveEntryPoint
	specifier := args.Path
	if !isRoot {
		specifier = joinSpecifier(args.Importer, args.Path)
	}

	mod, err := s.cache.GetModule(s.ctx, specifier, s.bc)
	if err != nil {
		if isRoot {
			s.mu.Lock()
			if s.rootErr == nil {
				s.rootErr = fmt.Errorf("bundler: resolve root %s: %w", specifier, err)
			}
			s.mu.Unlock()
			return api.OnResolveResult{}, err
		}
		if errors.Is(err, resolver.ErrNotFound) {
			s.logger.Debug("import left external", "specifier", specifier, "importer", args.Importer)
			s.emit(Event{Type: EventModuleExternal, Specifier: specifier})
			return api.OnResolveResult{Path: args.Path, External: true}, nil
		}
		return api.OnResolveResult{}, err
	}
	if !isRoot && mod.Origin == resolver.OriginRemote && isMarkup(mod) {
		s.logger.Debug("markup import left external", "specifier", specifier, "importer", args.Importer)
		s.emit(Event{Type: EventModuleExternal, Specifier: specifier})
		return api.OnResolveResult{Path: args.Path, External: true}, nil
	}

	s.emit(Event{Type: EventModuleResolved, Specifier: mod.Specifier, Origin: mod.Origin})
	return api.OnResolveResult{Path: mod.Specifier, Namespace: namespace, PluginData: mod}, nil
}

func (s *buildState) onLoad(args api.OnLoadArgs) (api.OnLoadResult, error) {
	mod, ok := args.PluginData.(*resolver.Module)
	if !ok || mod == nil {
		var err error
		mod, err = s.cache.GetModule(s.ctx, args.Path, s.bc)
		if err != nil {
			return api.OnLoadResult{}, err
		}
	}

	s.mu.Lock()
	_, seen := s.modules[mod.Specifier]
	if !seen {
		s.modules[mod.Specifier] = *mod
	}
	s.mu.Unlock()
	if !seen {
		s.logger.Debug("module added", "specifier", mod.Specifier, "origin", mod.Origin)
		s.emit(Event{Type: EventModuleAdded, Specifier: mod.Specifier, Origin: mod.Origin})
	}

	contents := mod.Content
	return api.OnLoadResult{Contents: &contents, Loader: loaderFor(mod)}, nil
}

func (s *buildState) emit(e Event) {
	if s.observer != nil {
		s.observer.Observe(e)
	}
}

// joinSpecifier resolves relative and root-relative imports against the
// importing module's URL. Bare and absolute specifiers pass through.
func joinSpecifier(importer, specifier string) string {
	if !strings.HasPrefix(specifier, "./") && !strings.HasPrefix(specifier, "../") && !strings.HasPrefix(specifier, "/") {
		return specifier
	}
	base, err := url.Parse(importer)
	if err != nil || base.Scheme == "" {
		return specifier
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return specifier
	}
	return base.ResolveReference(ref).String()
}

// isMarkup reports whether a remote response is an HTML page rather than a
// module, as served by registries for unknown paths.
func isMarkup(mod *resolver.Module) bool {
	if strings.Contains(strings.ToLower(mod.Headers["content-type"]), "html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(mod.Content))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func loaderFor(mod *resolver.Module) api.Loader {
	p := mod.Specifier
	if u, err := url.Parse(p); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".jsx":
		return api.LoaderJSX
	case ".js", ".mjs", ".cjs":
		return api.LoaderJS
	case ".json":
		return api.LoaderJSON
	}
	ct := strings.ToLower(mod.Headers["content-type"])
	switch {
	case strings.Contains(ct, "json"):
		return api.LoaderJSON
	case strings.Contains(ct, "javascript"):
		return api.LoaderJS
	}
	return api.LoaderTS
}

func formatMessage(msg api.Message) string {
	if msg.Location != nil && msg.Location.File != "" {
		return fmt.Sprintf("%s: %s", msg.Location.File, msg.Text)
	}
	return msg.Text
}
