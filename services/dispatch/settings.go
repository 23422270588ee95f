package dispatch

import (
	"context"
	"strings"

	"effect-dispatch/pkg/featureflags"
)

// SettingsProvider resolves the per-tenant settings of an effect type.
type SettingsProvider interface {
	Settings(ctx context.Context, tenantID, effectType string) (*EffectSettings, error)
}

type settingsProvider struct {
	store SettingsStore
	flags featureflags.FeatureFlag
}

// NewSettingsProvider reads stored settings and applies the feature flag
// kill switch of each effect type on top. flags may be nil.
func NewSettingsProvider(store SettingsStore, flags featureflags.FeatureFlag) SettingsProvider {
	return &settingsProvider{store: store, flags: flags}
}

func (p *settingsProvider) Settings(ctx context.Context, tenantID, effectType string) (*EffectSettings, error) {
	settings, err := p.store.GetEffectSettings(ctx, tenantID, effectType)
	if err != nil {
		return nil, err
	}
	if settings.Enabled && p.flags != nil {
		settings.Enabled = p.flags.IsEnabled(ctx, tenantID, FlagName(effectType), true)
	}
	return settings, nil
}

// FlagName is the feature flag that switches effectType off for a tenant,
// e.g. "effect_notification_email".
func FlagName(effectType string) string {
	return "effect_" + strings.ReplaceAll(effectType, ".", "_")
}
