package secrets

import (
	"context"
	"maps"
	"os"

	"github.com/crabzie/setup-factory/internal/core/port"
)

type envSource struct{}

// NewEnvSource looks secrets up in the process environment. It carries no per-script credentials.
func NewEnvSource() port.SecretSource {
	return envSource{}
}

func (envSource) Lookup(_ context.Context, key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func (envSource) Credentials(context.Context, string) map[string]string {
	return map[string]string{}
}

// Static is a fixed secret set, keyed by secret name and by script id for credentials
type Static struct {
	Values      map[string]string
	Credentials map[string]map[string]string
}

type staticSource struct {
	s Static
}

// NewStaticSource serves the values of s
func NewStaticSource(s Static) port.SecretSource {
	return staticSource{s: s}
}

func (s staticSource) Lookup(_ context.Context, key string) (string, bool) {
	v, ok := s.s.Values[key]
	return v, ok && v != ""
}

func (s staticSource) Credentials(_ context.Context, scriptID string) map[string]string {
	return maps.Clone(s.s.Credentials[scriptID])
}

type chain []port.SecretSource

// NewChain asks sources in order: the first hit wins for Lookup,
// the first non-empty credential set wins for Credentials
func NewChain(sources ...port.SecretSource) port.SecretSource {
	return chain(sources)
}

func (c chain) Lookup(ctx context.Context, key string) (string, bool) {
	for _, s := range c {
		if v, ok := s.Lookup(ctx, key); ok {
			return v, true
		}
	}
	return "", false
}

func (c chain) Credentials(ctx context.Context, scriptID string) map[string]string {
	for _, s := range c {
		if creds := s.Credentials(ctx, scriptID); len(creds) > 0 {
			return creds
		}
	}
	return map[string]string{}
}
