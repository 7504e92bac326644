package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/secrets"
)

// envOverrides maps UFP_<SECTION>_<KEY> names (dashes already mapped to
// underscores) onto config fields. Array targets (backup.remote,
// archive.remote) are structural and cannot be overridden from the
// environment; a UFP_ variable naming one is an error rather than silently
// ignored.
var envOverrides = map[string]func(c *Config, v string) error{
	"UNIFI_ADDRESS":  func(c *Config, v string) error { return setString(&c.Unifi.Address, v) },
	"UNIFI_PORT":     func(c *Config, v string) error { return setInt(&c.Unifi.Port, v) },
	"UNIFI_USERNAME": func(c *Config, v string) error { return setString(&c.Unifi.Username, v) },
	"UNIFI_PASSWORD": func(c *Config, v string) error { return setSecret(&c.Unifi.Password, v) },
	"UNIFI_VERIFY_SSL": func(c *Config, v string) error {
		return setBool(&c.Unifi.VerifySSL, v)
	},

	"BACKUP_RETENTION_PERIOD":     func(c *Config, v string) error { return setDuration(&c.Backup.RetentionPeriod, v) },
	"BACKUP_POLL_INTERVAL":        func(c *Config, v string) error { return setDuration(&c.Backup.PollInterval, v) },
	"BACKUP_MAX_EVENT_LENGTH":     func(c *Config, v string) error { return setDuration(&c.Backup.MaxEventLength, v) },
	"BACKUP_PURGE_INTERVAL":       func(c *Config, v string) error { return setDuration(&c.Backup.PurgeInterval, v) },
	"BACKUP_FILE_STRUCTURE_FORMAT": func(c *Config, v string) error {
		return setString(&c.Backup.FileStructureFormat, v)
	},
	"BACKUP_DETECTION_TYPES": func(c *Config, v string) error { return setList(&c.Backup.DetectionTypes, v) },
	"BACKUP_IGNORE_CAMERAS":  func(c *Config, v string) error { return setList(&c.Backup.IgnoreCameras, v) },
	"BACKUP_CAMERAS":         func(c *Config, v string) error { return setList(&c.Backup.Cameras, v) },
	"BACKUP_DOWNLOAD_BUFFER_SIZE": func(c *Config, v string) error {
		return setInt64(&c.Backup.DownloadBufferSize, v)
	},
	"BACKUP_PARALLEL_UPLOADS": func(c *Config, v string) error { return setInt(&c.Backup.ParallelUploads, v) },
	"BACKUP_SKIP_MISSING":     func(c *Config, v string) error { return setBool(&c.Backup.SkipMissing, v) },

	"ARCHIVE_ARCHIVE_INTERVAL": func(c *Config, v string) error { return setDuration(&c.Archive.ArchiveInterval, v) },
	"ARCHIVE_RETENTION_PERIOD": func(c *Config, v string) error { return setDuration(&c.Archive.RetentionPeriod, v) },
	"ARCHIVE_PURGE_INTERVAL":   func(c *Config, v string) error { return setDuration(&c.Archive.PurgeInterval, v) },
	"ARCHIVE_FILE_STRUCTURE_FORMAT": func(c *Config, v string) error {
		return setString(&c.Archive.FileStructureFormat, v)
	},

	"DATABASE_PATH": func(c *Config, v string) error { return setString(&c.Database.Path, v) },

	"METRICS_ADDRESS": func(c *Config, v string) error {
		ensureMetrics(c)
		return setString(&c.Metrics.Address, v)
	},
	"METRICS_PORT": func(c *Config, v string) error {
		ensureMetrics(c)
		return setInt(&c.Metrics.Port, v)
	},
}

func applyEnvOverrides(c *Config) error {
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, "UFP_") || name == "UFP_CONFIG" {
			continue
		}
		key := strings.TrimPrefix(name, "UFP_")
		apply, ok := envOverrides[key]
		if !ok {
			return fmt.Errorf("unknown config override %s", name)
		}
		if err := apply(c, value); err != nil {
			return fmt.Errorf("config override %s: %w", name, err)
		}
	}
	return nil
}

func ensureMetrics(c *Config) {
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
}

func setString(dst *String, v string) error {
	r, err := secrets.Resolve(v)
	if err != nil {
		return err
	}
	*dst = String(r.Reveal())
	return nil
}

func setSecret(dst *Secret, v string) error {
	r, err := secrets.Resolve(v)
	if err != nil {
		return err
	}
	dst.Value = r
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, v string) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}

func setList(dst *[]string, v string) error {
	if v == "" {
		*dst = nil
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
	return nil
}
