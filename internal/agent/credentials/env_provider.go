// Package credentials resolves API keys and tokens for spawned agent CLIs.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// knownAPIKeyPatterns contains environment variable names agent CLIs look for
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"BITBUCKET_TOKEN",
}

// Credential is a resolved secret
type Credential struct {
	Key    string
	Value  string
	Source string
}

// EnvProvider provides credentials from environment variables. Keys may be
// set directly or namespaced under a prefix (e.g. STAGEFLOW_ANTHROPIC_API_KEY)
// so the service's own secrets stay separate from the host environment.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{
		prefix: prefix,
	}
}

// Name returns the provider name
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential retrieves a credential, trying the exact key first and then
// the prefixed form
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value := os.Getenv(key)
	if value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}

	if p.prefix != "" {
		value = os.Getenv(p.prefix + key)
		if value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable returns the known credential keys present in the environment
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	available := make([]string, 0)
	for _, pattern := range knownAPIKeyPatterns {
		if os.Getenv(pattern) != "" {
			available = append(available, pattern)
			continue
		}
		if p.prefix != "" && os.Getenv(p.prefix+pattern) != "" {
			available = append(available, pattern)
		}
	}
	return available, nil
}

// AgentEnv returns KEY=value pairs for known keys that are only set under
// the prefix, so a prefixed secret surfaces unprefixed in the agent's
// environment. Keys already set directly are left alone: the agent inherits
// them from the parent process.
func (p *EnvProvider) AgentEnv() []string {
	if p.prefix == "" {
		return nil
	}

	var env []string
	for _, pattern := range knownAPIKeyPatterns {
		if os.Getenv(pattern) != "" {
			continue
		}
		if value := os.Getenv(p.prefix + pattern); value != "" {
			env = append(env, pattern+"="+value)
		}
	}

	// Any other prefixed *_API_KEY or *_TOKEN is forwarded the same way
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[1] == "" || !strings.HasPrefix(parts[0], p.prefix) {
			continue
		}
		key := strings.TrimPrefix(parts[0], p.prefix)
		lower := strings.ToLower(key)
		if !strings.Contains(lower, "api_key") && !strings.HasSuffix(lower, "_token") {
			continue
		}
		if known(key) || os.Getenv(key) != "" {
			continue
		}
		env = append(env, key+"="+parts[1])
	}

	return env
}

func known(key string) bool {
	for _, pattern := range knownAPIKeyPatterns {
		if pattern == key {
			return true
		}
	}
	return false
}
