package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Module name prefix for artifact builder instances ("artifact:<kind>").
const ArtifactModulePrefix = "artifact:"

// ModuleConfig is one resolved per-module configuration view.
// Params: module name, enabled flag, and the typed options section.
// Returns: configuration handed to Module.Configure.
type ModuleConfig struct {
	Name    string
	Enabled bool
	Options any
}

// Service resolves per-module configuration and re-reads the layered store.
// Params: config source paths and the currently active config.
// Returns: thread-safe config resolution service.
type Service struct {
	mu          sync.RWMutex
	path        string
	secretsPath string
	cfg         *Config
}

// NewService creates a service bound to the layered config store.
// Params: path base file or directory; secretsPath optional secrets file; cfg already loaded config.
// Returns: config service instance.
func NewService(path, secretsPath string, cfg *Config) *Service {
	return &Service{
		path:        path,
		secretsPath: secretsPath,
		cfg:         cfg,
	}
}

// NewStaticService creates a service without a backing store.
// Params: cfg fixed config; Reload keeps returning it.
// Returns: config service instance for embedding and tests.
func NewStaticService(cfg *Config) *Service {
	return &Service{cfg: cfg}
}

// Current returns the active configuration.
// Params: none.
// Returns: active config pointer; callers must not mutate it.
func (s *Service) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the layered store and swaps the active config on success.
// Params: none.
// Returns: fresh config or error; the previous config stays active on failure.
func (s *Service) Reload() (*Config, error) {
	s.mu.RLock()
	path := s.path
	secretsPath := s.secretsPath
	s.mu.RUnlock()

	if strings.TrimSpace(path) == "" {
		return s.Current(), nil
	}

	cfg, err := Load(path, secretsPath)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Resolve returns the current configuration for one module name.
// Params: name module identity ("dedup", "zoning", "router", "ratelimit", "retention", or "artifact:<kind>").
// Returns: resolved module config or error for unknown names.
func (s *Service) Resolve(name string) (ModuleConfig, error) {
	cfg := s.Current()
	if cfg == nil {
		return ModuleConfig{}, fmt.Errorf("no active config")
	}

	switch name {
	case "dedup":
		return ModuleConfig{Name: name, Enabled: cfg.Modules.Dedup.Enabled, Options: cfg.Modules.Dedup}, nil
	case "zoning":
		return ModuleConfig{Name: name, Enabled: cfg.Modules.Zoning.Enabled, Options: cfg.Modules.Zoning}, nil
	case "router":
		return ModuleConfig{Name: name, Enabled: cfg.Modules.Router.Enabled, Options: cfg.Modules.Router}, nil
	case "ratelimit":
		return ModuleConfig{Name: name, Enabled: cfg.Modules.RateLimit.Enabled, Options: cfg.Modules.RateLimit}, nil
	case "retention":
		return ModuleConfig{Name: name, Enabled: cfg.Modules.Retention.Enabled, Options: cfg.Modules.Retention}, nil
	}

	if kind, found := strings.CutPrefix(name, ArtifactModulePrefix); found {
		for _, artifact := range cfg.Modules.Artifact {
			if artifact.Kind == kind {
				return ModuleConfig{Name: name, Enabled: artifact.Enabled, Options: artifact}, nil
			}
		}
		return ModuleConfig{}, fmt.Errorf("artifact kind %q is not configured", kind)
	}

	return ModuleConfig{}, fmt.Errorf("unknown module %q", name)
}

// ModuleNames lists all module names resolvable from the current config.
// Params: none.
// Returns: sorted module name list.
func (s *Service) ModuleNames() []string {
	cfg := s.Current()
	if cfg == nil {
		return nil
	}

	names := []string{"dedup", "zoning", "router", "ratelimit", "retention"}
	for _, artifact := range cfg.Modules.Artifact {
		names = append(names, ArtifactModulePrefix+artifact.Kind)
	}
	sort.Strings(names)
	return names
}
