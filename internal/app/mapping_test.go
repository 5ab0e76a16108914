package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanrelay/internal/config"
	"chanrelay/internal/relay"
	logx "chanrelay/pkg/logx"
)

func TestMapStorage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		want    string
		busy    time.Duration
		wantErr bool
	}{
		{name: "default memory", in: config.StorageConfig{}, want: ""},
		{name: "file default path", in: config.StorageConfig{Driver: "File"}, want: "./relay_store"},
		{name: "sqlite default busy", in: config.StorageConfig{Driver: "sqlite", Path: "relay.db"}, want: "relay.db", busy: time.Second},
		{name: "sqlite busy", in: config.StorageConfig{Driver: "sqlite", Path: "relay.db", BusyTimeout: "3s"}, want: "relay.db", busy: 3 * time.Second},
		{name: "sqlite needs path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "postgres needs dsn", in: config.StorageConfig{Driver: "postgres"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "etcd"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorage(&config.Config{Storage: tc.in})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Path)
			assert.Equal(t, tc.busy, got.BusyTimeout)
		})
	}
}

func TestMapEngineDefaults(t *testing.T) {
	t.Parallel()
	opts, err := mapEngine(&config.Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, relay.DefaultForwardDelay, opts.ForwardDelay)
	assert.Equal(t, relay.DefaultDeletePacing, opts.DeletePacing)
	assert.Equal(t, relay.DefaultCooldown, opts.Cooldown)

	opts, err = mapEngine(&config.Config{Engine: config.EngineConfig{ForwardDelay: "500ms", WindowCap: 40}}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, opts.ForwardDelay)
	assert.Equal(t, int64(40), opts.WindowCap)

	_, err = mapEngine(&config.Config{Engine: config.EngineConfig{Cooldown: "soon"}}, logx.Nop())
	assert.Error(t, err)
}

func TestMapMaintenance(t *testing.T) {
	t.Parallel()
	set, err := mapMaintenance(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultIndexPrune, set.IndexPrune)
	assert.Equal(t, config.DefaultReconcile, set.Reconcile)
	assert.Equal(t, config.DefaultIndexTTL, set.IndexTTL)
	assert.Equal(t, time.Local, set.Location)

	set, err = mapMaintenance(&config.Config{Maintenance: config.MaintenanceConfig{
		Timezone: "UTC", IndexPrune: "off", IndexTTL: "48h",
	}})
	require.NoError(t, err)
	assert.Empty(t, set.IndexPrune)
	assert.Equal(t, 48*time.Hour, set.IndexTTL)
	assert.Equal(t, "UTC", set.Location.String())

	_, err = mapMaintenance(&config.Config{Maintenance: config.MaintenanceConfig{Timezone: "Mars/Olympus"}})
	assert.Error(t, err)
}

func TestMapLoggingNeedsChat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	assert.False(t, mapLogging(cfg).Chat.Enabled)

	cfg.Telegram.LogChat = -100123
	lc := mapLogging(cfg)
	assert.True(t, lc.Chat.Enabled)
	assert.Equal(t, int64(-100123), lc.Chat.ChatID)
}

func TestMapOps(t *testing.T) {
	t.Parallel()
	oc, err := mapOps(&config.Config{Ops: config.OpsConfig{Enabled: true, Addr: " 127.0.0.1:7000 ", Token: " t "}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", oc.Addr)
	assert.Equal(t, "t", oc.Token)
	assert.Equal(t, 10*time.Second, oc.ReadTimeout)
	assert.Zero(t, oc.WriteTimeout)
	assert.Equal(t, time.Minute, oc.IdleTimeout)

	_, err = mapOps(&config.Config{Ops: config.OpsConfig{IdleTimeout: "x"}})
	assert.Error(t, err)
}

func TestStopTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	assert.Equal(t, config.DefaultStopTimeout, stopTimeout(&config.Config{}))
	cfg := &config.Config{}
	cfg.Maintenance.StopTimeout = "3s"
	assert.Equal(t, 3*time.Second, stopTimeout(cfg))
}
