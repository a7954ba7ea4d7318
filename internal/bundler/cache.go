package bundler

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
)

// ModuleResolver resolves one specifier within a build.
type ModuleResolver interface {
	Resolve(ctx context.Context, specifier string, bc *resolver.BuildContext) (*resolver.Module, error)
}

// Cache memoizes resolved modules for the lifetime of one build. Misses are
// not cached. Concurrent misses for the same key may both reach the resolver.
type Cache struct {
	resolver ModuleResolver

	mu      sync.RWMutex
	modules map[string]*resolver.Module
}

// NewCache wraps r.
func NewCache(r ModuleResolver) *Cache {
	return &Cache{resolver: r, modules: make(map[string]*resolver.Module)}
}

// GetModule returns the cached module for specifier, resolving and storing it
// on a miss.
func (c *Cache) GetModule(ctx context.Context, specifier string, bc *resolver.BuildContext) (*resolver.Module, error) {
	key := NormalizeSpecifier(specifier)
	c.mu.RLock()
	mod, ok := c.modules[key]
	c.mu.RUnlock()
	if ok {
		return mod, nil
	}

	mod, err := c.resolver.Resolve(ctx, specifier, bc)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.modules[key] = mod
	c.mu.Unlock()
	return mod, nil
}

// Len reports the number of cached modules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

// NormalizeSpecifier lower-cases the scheme and host of URL specifiers and
// drops any fragment.
func NormalizeSpecifier(specifier string) string {
	specifier = strings.TrimSpace(specifier)
	u, err := url.Parse(specifier)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return specifier
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
