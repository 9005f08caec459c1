package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/version"
)

// Registry maps URI schemes to source and sink providers.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceProvider
	sinks   map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceProvider),
		sinks:   make(map[string]Sink),
	}
}

// RegisterSource registers a source provider for the given schemes.
func (r *Registry) RegisterSource(p SourceProvider, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemes {
		r.sources[s] = p
	}
}

// RegisterSink registers a sink for the given schemes.
func (r *Registry) RegisterSink(s Sink, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.sinks[scheme] = s
	}
}

// Source resolves a source URI to its provider.
func (r *Registry) Source(uri string) (SourceProvider, Location, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, Location{}, err
	}
	r.mu.RLock()
	p, ok := r.sources[loc.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, Location{}, fmt.Errorf("%w: %s is not enabled as a source", ErrUnsupportedScheme, loc.Scheme)
	}
	return p, loc, nil
}

// Sink resolves a destination URI to its provider.
func (r *Registry) Sink(uri string) (Sink, Location, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, Location{}, err
	}
	r.mu.RLock()
	s, ok := r.sinks[loc.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, Location{}, fmt.Errorf("%w: %s is not enabled as a destination", ErrUnsupportedScheme, loc.Scheme)
	}
	return s, loc, nil
}

// SourceSchemes returns the registered source schemes, sorted.
func (r *Registry) SourceSchemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for s := range r.sources {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// SinkSchemes returns the registered destination schemes, sorted.
func (r *Registry) SinkSchemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for s := range r.sinks {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// NewRegistryFromConfig registers every enabled provider. The in-memory store
// is always available under mem://.
func NewRegistryFromConfig(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()

	mem := NewMemoryStore()
	r.RegisterSource(mem, SchemeMemory)
	r.RegisterSink(mem, SchemeMemory)

	if cfg.File.Enabled {
		fs, err := NewFileStore(cfg.File.Root)
		if err != nil {
			return nil, fmt.Errorf("file storage: %w", err)
		}
		r.RegisterSource(fs, SchemeFile)
		r.RegisterSink(fs, SchemeFile)
	}

	if cfg.HTTP.Enabled {
		r.RegisterSource(NewHTTPSource(cfg.HTTP, version.UserAgent(), logger), SchemeHTTP, SchemeHTTPS)
	}

	if cfg.S3.Enabled {
		s3, err := NewS3Store(ctx, cfg.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		r.RegisterSource(s3, SchemeS3)
		r.RegisterSink(s3, SchemeS3)
	}

	if cfg.Azure.Enabled {
		az, err := NewAzureStore(cfg.Azure, logger)
		if err != nil {
			return nil, fmt.Errorf("azure storage: %w", err)
		}
		r.RegisterSource(az, SchemeAzure)
		r.RegisterSink(az, SchemeAzure)
	}

	logger.Info("storage providers registered",
		slog.Any("sources", r.SourceSchemes()),
		slog.Any("destinations", r.SinkSchemes()),
	)
	return r, nil
}
