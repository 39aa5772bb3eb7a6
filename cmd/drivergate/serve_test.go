package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/drivergate/pkg/config"
	"github.com/fieldline/drivergate/pkg/dispatch"
	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/policy"
	"github.com/fieldline/drivergate/pkg/quarantine"
)

func TestLimiterPoliciesFromProfile(t *testing.T) {
	def, perTarget := limiterPolicies(&config.SiteProfile{
		Dispatch: config.DispatchConfig{TicketRPM: 5, NotifyRPM: 20, Burst: 2},
	})
	assert.Equal(t, 60, def.RPM)
	assert.Equal(t, dispatch.RateLimitPolicy{RPM: 5, Burst: 2}, perTarget["ticket"])
	assert.Equal(t, dispatch.RateLimitPolicy{RPM: 20, Burst: 2}, perTarget["notify"])
}

func TestLimiterPoliciesWithoutProfile(t *testing.T) {
	def, perTarget := limiterPolicies(nil)
	assert.Equal(t, dispatch.RateLimitPolicy{RPM: 60, Burst: 10}, def)
	assert.Nil(t, perTarget)
}

func TestNotifyOnlyProfileSkipsTickets(t *testing.T) {
	cfg := &config.Config{TicketURL: "http://tickets.internal", NotifyURL: ""}
	profile := &config.SiteProfile{Dispatch: config.DispatchConfig{NotifyOnly: true}}

	outbox, db, err := dispatch.OpenSQLiteOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d := dispatch.New(outbox, nil, profileDispatchOptions(cfg, profile)...)
	results, err := d.Dispatch(context.Background(), &evaluate.Verdict{
		ArtifactID:    "sha256:abc",
		Compliant:     false,
		ViolatedRules: []string{"must_sign"},
		Actions:       []policy.Action{policy.ActionTicket},
		VerdictHash:   "sha256:def",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dispatch.OutcomeFailed, results[0].Outcome)
	assert.Contains(t, results[0].Error, "not configured")
}

func TestQuarantineStoreFromProfile(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}

	store, err := buildQuarantineStore(context.Background(), cfg, &config.SiteProfile{
		Quarantine: config.QuarantineConfig{StorageType: "fs"},
	})
	require.NoError(t, err)
	assert.IsType(t, &quarantine.FileStore{}, store)

	_, err = buildQuarantineStore(context.Background(), cfg, &config.SiteProfile{
		Quarantine: config.QuarantineConfig{StorageType: "tape"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported quarantine storage type")
}
