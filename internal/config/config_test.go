package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `
[unifi]
address = "nvr.local"
username = "backup"
password = "pw"

[database]
path = "/var/lib/ufp/events.db"

[[backup.remote]]
name = "nas"
local = { path = "/mnt/backup" }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	assert.Equal(t, 443, cfg.Unifi.Port)
	assert.Equal(t, "nvr.local", string(cfg.Unifi.Address))
	assert.Equal(t, "pw", cfg.Unifi.Password.Reveal())
	assert.Equal(t, 7*24*time.Hour, cfg.Backup.RetentionPeriod.Std())
	assert.Equal(t, time.Minute, cfg.Backup.PollInterval.Std())
	assert.Equal(t, "{camera_name}/{date}/{time}_{detection_type}.mp4", string(cfg.Backup.FileStructureFormat))
	assert.Equal(t, 4, cfg.Backup.ParallelUploads)
	assert.Equal(t, 24*time.Hour, cfg.Archive.ArchiveInterval.Std())
	assert.Nil(t, cfg.Metrics)

	require.Len(t, cfg.Backup.Remote, 1)
	assert.Equal(t, "nas", cfg.Backup.Remote[0].Name)
	assert.Equal(t, "local", cfg.Backup.Remote[0].Kind())
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[unifi]
address = "nvr.local"
port = 8443
username = "backup"
password = "pw"
verify-ssl = true

[backup]
retention-period = "30d"
poll-interval = "30s"
max-event-length = "2m"
detection-types = ["person", "vehicle"]
ignore-cameras = ["cam-3"]
download-buffer-size = 8388608
parallel-uploads = 8
skip-missing = true

[[backup.remote]]
name = "nas"
local = { path = "/mnt/backup" }

[[backup.remote]]
name = "offsite"
remote-copy = { remote = "b2", path = "/clips", config-file = "/etc/remote-copy.conf" }

[archive]
archive-interval = "1d"
retention-period = "90d"

[[archive.remote]]
name = "vault"
dedup-repo = { repo = "ssh://backup@vault/repo", passphrase = "pp", ssh-key-path = "/etc/keys/id" }

[database]
path = "/var/lib/ufp/events.db"

[metrics]
port = 9090
`))
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Unifi.Port)
	assert.True(t, cfg.Unifi.VerifySSL)
	assert.Equal(t, 30*24*time.Hour, cfg.Backup.RetentionPeriod.Std())
	assert.Equal(t, 30*time.Second, cfg.Backup.PollInterval.Std())
	assert.True(t, cfg.Backup.SkipMissing)

	require.Len(t, cfg.Backup.Remote, 2)
	assert.Equal(t, "remote-copy", cfg.Backup.Remote[1].Kind())
	assert.Equal(t, "b2", string(cfg.Backup.Remote[1].RemoteCopy.Remote))

	require.Len(t, cfg.Archive.Remote, 1)
	assert.Equal(t, "pp", cfg.Archive.Remote[0].DedupRepo.Passphrase.Reveal())

	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, "127.0.0.1", string(cfg.Metrics.Address))
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, `
[unifi]
address = "nvr.local"
username = "backup"
password = "pw"

[backup]
retention-perod = "7d"

[[backup.remote]]
name = "nas"
local = { path = "/mnt/backup" }

[database]
path = "/var/lib/ufp/events.db"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
}

func TestSealedHandles(t *testing.T) {
	t.Setenv("NVR_PASSWORD", "from-env")
	secretFile := filepath.Join(t.TempDir(), "user")
	require.NoError(t, os.WriteFile(secretFile, []byte("from-file\n"), 0o600))

	cfg, err := Load(writeConfig(t, `
[unifi]
address = "nvr.local"
username = "file:`+secretFile+`"
password = "env:NVR_PASSWORD"

[database]
path = "/tmp/events.db"

[[backup.remote]]
name = "nas"
local = { path = "/mnt/backup" }
`))
	require.NoError(t, err)
	assert.Equal(t, "from-file", string(cfg.Unifi.Username))
	assert.Equal(t, "from-env", cfg.Unifi.Password.Reveal())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("UFP_UNIFI_PORT", "7443")
	t.Setenv("UFP_BACKUP_RETENTION_PERIOD", "14d")
	t.Setenv("UFP_BACKUP_DETECTION_TYPES", "person,package")
	t.Setenv("UFP_METRICS_PORT", "9091")

	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	assert.Equal(t, 7443, cfg.Unifi.Port)
	assert.Equal(t, 14*24*time.Hour, cfg.Backup.RetentionPeriod.Std())
	assert.Equal(t, []string{"person", "package"}, cfg.Backup.DetectionTypes)
	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, 9091, cfg.Metrics.Port)
}

func TestEnvOverrideUnknownKey(t *testing.T) {
	t.Setenv("UFP_BACKUP_NO_SUCH_KEY", "x")

	_, err := Load(writeConfig(t, baseConfig))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing address", `
[unifi]
username = "u"
password = "p"
[database]
path = "/tmp/db"
[[backup.remote]]
name = "nas"
local = { path = "/b" }
`},
		{"no targets", `
[unifi]
address = "a"
username = "u"
password = "p"
[database]
path = "/tmp/db"
`},
		{"two kinds on one target", `
[unifi]
address = "a"
username = "u"
password = "p"
[database]
path = "/tmp/db"
[[backup.remote]]
name = "nas"
local = { path = "/b" }
remote-copy = { remote = "r", path = "/x" }
`},
		{"duplicate names", `
[unifi]
address = "a"
username = "u"
password = "p"
[database]
path = "/tmp/db"
[[backup.remote]]
name = "nas"
local = { path = "/b" }
[[backup.remote]]
name = "nas"
local = { path = "/c" }
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"90s":  90 * time.Second,
		"5m":   5 * time.Minute,
		"12h":  12 * time.Hour,
		"7d":   7 * 24 * time.Hour,
		"2w":   14 * 24 * time.Hour,
		"1y":   365 * 24 * time.Hour,
		"1.5d": 36 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "7", "d", "1q", "one-day"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}
