package ingest

import (
	"context"
	"io"

	"gopkg.in/yaml.v2"

	"github.com/crowdpm/device-core/pkg/types"
)

// visibilityConfig is the YAML shape loaded at startup, naming which
// accounts may request public visibility and each device's fallback
// default. SPEC_FULL §13 resolves the open question of "who may set
// public" as policy data rather than a hardcoded rule.
type visibilityConfig struct {
	PublicAccounts  []string          `yaml:"publicAccounts"`
	DeviceDefaults  map[string]string `yaml:"deviceDefaults"`
	DefaultFallback string            `yaml:"defaultFallback"`
}

// YAMLVisibilityPolicy is the default VisibilityPolicy implementation,
// grounded on the teacher's own `yaml.v2`-backed DeviceManagementConfig
// loading in devicemanagement.go's NewConfig.
type YAMLVisibilityPolicy struct {
	cfg visibilityConfig
}

// NewYAMLVisibilityPolicy loads the policy document; r is closed by the
// caller.
func NewYAMLVisibilityPolicy(r io.Reader) (*YAMLVisibilityPolicy, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := visibilityConfig{DefaultFallback: types.VisibilityPrivate}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if cfg.DefaultFallback == "" {
		cfg.DefaultFallback = types.VisibilityPrivate
	}

	return &YAMLVisibilityPolicy{cfg: cfg}, nil
}

// Resolve implements spec.md §4.6 step 7: if the request declares a
// valid visibility and the account is permitted to set it, use that;
// else the device's default; else private.
func (p *YAMLVisibilityPolicy) Resolve(ctx context.Context, accID, deviceID, requested string) string {
	if requested == types.VisibilityPublic && p.accountMayPublish(accID) {
		return types.VisibilityPublic
	}
	if requested == types.VisibilityPrivate {
		return types.VisibilityPrivate
	}

	if def, ok := p.cfg.DeviceDefaults[deviceID]; ok {
		return def
	}

	return p.cfg.DefaultFallback
}

func (p *YAMLVisibilityPolicy) accountMayPublish(accID string) bool {
	for _, a := range p.cfg.PublicAccounts {
		if a == accID {
			return true
		}
	}
	return false
}
