package dispatch

import (
	"context"
	"testing"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/stretchr/testify/require"
)

type fakeFlags struct {
	disabled map[string]bool
	asked    []string
}

func (f *fakeFlags) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (f *fakeFlags) IsEnabled(ctx context.Context, identifier, feature string, fallback bool) bool {
	f.asked = append(f.asked, identifier+"/"+feature)
	if f.disabled[feature] {
		return false
	}
	return fallback
}

func TestSettingsProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.db.Create(&EffectSettings{
		TenantID:   testTenant,
		EffectType: "notification.sms",
		Enabled:    false,
	}).Error)

	flags := &fakeFlags{disabled: map[string]bool{"effect_notification_push": true}}
	provider := NewSettingsProvider(env.repo, flags)

	email, err := provider.Settings(ctx, testTenant, "notification.email")
	require.NoError(t, err)
	require.True(t, email.Enabled)

	push, err := provider.Settings(ctx, testTenant, "notification.push")
	require.NoError(t, err)
	require.False(t, push.Enabled)

	// Stored settings win without asking the flag service.
	sms, err := provider.Settings(ctx, testTenant, "notification.sms")
	require.NoError(t, err)
	require.False(t, sms.Enabled)
	require.NotContains(t, flags.asked, testTenant+"/effect_notification_sms")

	withoutFlags, err := NewSettingsProvider(env.repo, nil).Settings(ctx, testTenant, "notification.push")
	require.NoError(t, err)
	require.True(t, withoutFlags.Enabled)
}

func TestFlagName(t *testing.T) {
	require.Equal(t, "effect_notification_email", FlagName("notification.email"))
	require.Equal(t, "effect_audit_log", FlagName("audit.log"))
}

func TestRegistry(t *testing.T) {
	h := succeeding()
	r, err := NewRegistryFromGroup(RegistryParams{Registrations: []Registration{
		{Type: "notification.email", Handler: h},
		{Type: "audit.log", Handler: h},
	}})
	require.NoError(t, err)
	_, ok := r.Lookup("audit.log")
	require.True(t, ok)
	_, ok = r.Lookup("workflow.signal")
	require.False(t, ok)

	_, err = NewRegistryFromGroup(RegistryParams{Registrations: []Registration{
		{Type: "audit.log", Handler: h},
		{Type: "audit.log", Handler: h},
	}})
	require.ErrorIs(t, err, ErrDuplicateHandler)
}
