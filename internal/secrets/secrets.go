// Package secrets loads provider credentials from AWS Secrets Manager
// with a short in-process cache, so key rotation is picked up without a
// restart but hot-path requests never block on the secrets API.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const defaultTTL = 5 * time.Minute

type Store interface {
	Get(ctx context.Context, name string) (string, error)
}

// ProviderKeys is the JSON shape of the provider credentials secret.
// Empty fields fall back to the corresponding environment variables.
type ProviderKeys struct {
	OpenAIAPIKey    string `json:"openai_api_key"`
	AnthropicAPIKey string `json:"anthropic_api_key"`
}

// LoadProviderKeys fetches and decodes the named credentials secret.
func LoadProviderKeys(ctx context.Context, store Store, name string) (*ProviderKeys, error) {
	raw, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	var keys ProviderKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return &keys, nil
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Manager reads secrets from AWS Secrets Manager, caching each value
// for a TTL.
type Manager struct {
	api   secretsAPI
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]entry
}

func NewManager(ctx context.Context, region string) (*Manager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewManagerWithConfig(cfg), nil
}

func NewManagerWithConfig(cfg aws.Config) *Manager {
	return &Manager{
		api:   secretsmanager.NewFromConfig(cfg),
		ttl:   defaultTTL,
		now:   time.Now,
		cache: make(map[string]entry),
	}
}

func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	if e, ok := m.cache[name]; ok && m.now().Before(e.expiresAt) {
		m.mu.RUnlock()
		return e.value, nil
	}
	m.mu.RUnlock()

	out, err := m.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	var value string
	if out.SecretString != nil {
		value = *out.SecretString
	}

	m.mu.Lock()
	m.cache[name] = entry{value: value, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()

	return value, nil
}

// Static is a fixed secret map, used in tests and local development.
type Static map[string]string

func (s Static) Get(ctx context.Context, name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}
