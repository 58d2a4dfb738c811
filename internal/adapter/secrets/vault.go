// Package secrets provides secret sources: HashiCorp Vault, the process environment & static values.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crabzie/setup-factory/internal/core/port"
	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// credentialEnv maps secret fields onto the variables injected into server runs
var credentialEnv = map[string]string{
	"username": "REMOTE_USER",
	"password": "REMOTE_PASSWORD",
	"token":    "API_TOKEN",
}

type vaultSource struct {
	client     *vault.Client
	secretPath string
	log        *zap.Logger
}

// NewVaultSource creates a source reading <secretPath>/<name> secrets.
// Both KV v1 and KV v2 (nested "data") payloads are understood.
func NewVaultSource(addr, token, secretPath string, log *zap.Logger) (port.SecretSource, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second
	cfg.MaxRetries = 1

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)

	return &vaultSource{
		client:     client,
		secretPath: strings.TrimSuffix(secretPath, "/"),
		log:        log,
	}, nil
}

// read returns the fields of the secret at <secretPath>/<name>, nil when absent or unreadable
func (v *vaultSource) read(ctx context.Context, name string) map[string]any {
	path := v.secretPath + "/" + name
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Warn("Failed to read vault secret", zap.String("path", path), zap.Error(err))
		return nil
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	if nested, ok := secret.Data["data"].(map[string]any); ok {
		return nested
	}
	return secret.Data
}

// Lookup reads the "value" field of the secret named key
func (v *vaultSource) Lookup(ctx context.Context, key string) (string, bool) {
	data := v.read(ctx, key)
	s, ok := data["value"].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (v *vaultSource) Credentials(ctx context.Context, scriptID string) map[string]string {
	env := map[string]string{}
	for field, value := range v.read(ctx, scriptID) {
		name, ok := credentialEnv[field]
		if !ok {
			continue
		}
		if s, ok := value.(string); ok && s != "" {
			env[name] = s
		}
	}
	return env
}
