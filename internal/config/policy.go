package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig holds per-category overrides for document ingestion.
type PolicyConfig struct {
	ID                  string   `yaml:"id"`
	Categories          []string `yaml:"categories"` // Glob patterns for category names
	MaxSizeBytes        int64    `yaml:"max_size_bytes,omitempty"`
	AllowedContentTypes []string `yaml:"allowed_content_types,omitempty"`
	Algorithm           string   `yaml:"algorithm,omitempty"`
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Categories) == 0 {
				return fmt.Errorf("policy %s must specify at least one category pattern", policy.ID)
			}
			if policy.MaxSizeBytes < 0 {
				return fmt.Errorf("policy %s: max_size_bytes must not be negative", policy.ID)
			}

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

// GetPolicyForCategory returns the first matching policy for the given category
func (pm *PolicyManager) GetPolicyForCategory(category string) *PolicyConfig {
	if pm == nil {
		return nil
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Categories {
			if glob.Glob(pattern, category) {
				return policy
			}
		}
	}
	return nil
}

// ApplyTo returns base with the policy's overrides applied.
func (p *PolicyConfig) ApplyTo(base DocumentsConfig) DocumentsConfig {
	out := base
	if p == nil {
		return out
	}
	if p.MaxSizeBytes > 0 {
		out.MaxSizeBytes = p.MaxSizeBytes
	}
	if p.Algorithm != "" {
		out.Algorithm = p.Algorithm
	}
	return out
}
