package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stphnsmpsn/unifi-protect-backup/internal/secrets"
)

// String is a config string that resolves sealed env:/file: handles at
// decode time. Use Secret instead for values that must never be logged.
type String string

func (s *String) UnmarshalText(text []byte) error {
	v, err := secrets.Resolve(string(text))
	if err != nil {
		return err
	}
	*s = String(v.Reveal())
	return nil
}

func (s String) String() string { return string(s) }

// Secret resolves like String but stays sealed: it prints as a redaction
// marker and must be unwrapped explicitly via Reveal.
type Secret struct {
	secrets.Value
}

func (s *Secret) UnmarshalText(text []byte) error {
	v, err := secrets.Resolve(string(text))
	if err != nil {
		return err
	}
	s.Value = v
	return nil
}

// Duration accepts time.ParseDuration strings plus the d/w/y suffixes used
// throughout the config ("7d", "2w", "1y").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func ParseDuration(s string) (time.Duration, error) {
	if v, err := time.ParseDuration(s); err == nil {
		return v, nil
	}
	var unit time.Duration
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	case strings.HasSuffix(s, "y"):
		unit = 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n * float64(unit)), nil
}

type UnifiConfig struct {
	Address   String `toml:"address"`
	Port      int    `toml:"port"`
	Username  String `toml:"username"`
	Password  Secret `toml:"password"`
	VerifySSL bool   `toml:"verify-ssl"`
}

type LocalRemote struct {
	Path String `toml:"path"`
}

type RemoteCopyRemote struct {
	Remote     String `toml:"remote"`
	Path       String `toml:"path"`
	ConfigFile String `toml:"config-file"`
}

// BackupRemote is one entry of the backup.remote array. Exactly one of the
// kind tables must be present; Name is the join key into the catalog.
type BackupRemote struct {
	Name       string            `toml:"name"`
	Local      *LocalRemote      `toml:"local"`
	RemoteCopy *RemoteCopyRemote `toml:"remote-copy"`
}

func (r BackupRemote) Kind() string {
	switch {
	case r.Local != nil:
		return "local"
	case r.RemoteCopy != nil:
		return "remote-copy"
	}
	return ""
}

type BackupConfig struct {
	RetentionPeriod     Duration       `toml:"retention-period"`
	PollInterval        Duration       `toml:"poll-interval"`
	MaxEventLength      Duration       `toml:"max-event-length"`
	PurgeInterval       Duration       `toml:"purge-interval"`
	FileStructureFormat String         `toml:"file-structure-format"`
	DetectionTypes      []string       `toml:"detection-types"`
	IgnoreCameras       []string       `toml:"ignore-cameras"`
	Cameras             []string       `toml:"cameras"`
	DownloadBufferSize  int64          `toml:"download-buffer-size"`
	ParallelUploads     int            `toml:"parallel-uploads"`
	SkipMissing         bool           `toml:"skip-missing"`
	Remote              []BackupRemote `toml:"remote"`
}

type DedupRepoRemote struct {
	Repo       String `toml:"repo"`
	Passphrase Secret `toml:"passphrase"`
	SSHKeyPath String `toml:"ssh-key-path"`
}

type ArchiveRemote struct {
	Name      string           `toml:"name"`
	DedupRepo *DedupRepoRemote `toml:"dedup-repo"`
}

type ArchiveConfig struct {
	ArchiveInterval     Duration        `toml:"archive-interval"`
	RetentionPeriod     Duration        `toml:"retention-period"`
	PurgeInterval       Duration        `toml:"purge-interval"`
	FileStructureFormat String          `toml:"file-structure-format"`
	Remote              []ArchiveRemote `toml:"remote"`
}

type DatabaseConfig struct {
	Path String `toml:"path"`
}

type MetricsConfig struct {
	Address String `toml:"address"`
	Port    int    `toml:"port"`
}

type Config struct {
	Unifi    UnifiConfig    `toml:"unifi"`
	Backup   BackupConfig   `toml:"backup"`
	Archive  ArchiveConfig  `toml:"archive"`
	Database DatabaseConfig `toml:"database"`
	Metrics  *MetricsConfig `toml:"metrics"`
}

// DefaultPath mirrors where the setup wizard writes its config.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".unifi-protect-backup", "config.toml")
	}
	return "config.toml"
}

// Load reads, decodes, env-overrides, defaults and validates the config.
// Precedence: UFP_<SECTION>_<KEY> env vars > file > defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("UFP_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Unifi.Port == 0 {
		c.Unifi.Port = 443
	}
	if c.Backup.RetentionPeriod == 0 {
		c.Backup.RetentionPeriod = Duration(7 * 24 * time.Hour)
	}
	if c.Backup.PollInterval == 0 {
		c.Backup.PollInterval = Duration(time.Minute)
	}
	if c.Backup.MaxEventLength == 0 {
		c.Backup.MaxEventLength = Duration(5 * time.Minute)
	}
	if c.Backup.PurgeInterval == 0 {
		c.Backup.PurgeInterval = Duration(time.Hour)
	}
	if c.Backup.FileStructureFormat == "" {
		c.Backup.FileStructureFormat = "{camera_name}/{date}/{time}_{detection_type}.mp4"
	}
	if len(c.Backup.DetectionTypes) == 0 {
		c.Backup.DetectionTypes = []string{"motion", "person", "vehicle"}
	}
	if c.Backup.DownloadBufferSize == 0 {
		c.Backup.DownloadBufferSize = 4 << 20
	}
	if c.Backup.ParallelUploads == 0 {
		c.Backup.ParallelUploads = 4
	}
	if c.Archive.ArchiveInterval == 0 {
		c.Archive.ArchiveInterval = Duration(24 * time.Hour)
	}
	if c.Archive.RetentionPeriod == 0 {
		c.Archive.RetentionPeriod = Duration(30 * 24 * time.Hour)
	}
	if c.Archive.PurgeInterval == 0 {
		c.Archive.PurgeInterval = c.Archive.ArchiveInterval
	}
	if c.Archive.FileStructureFormat == "" {
		c.Archive.FileStructureFormat = c.Backup.FileStructureFormat
	}
	if c.Metrics != nil && c.Metrics.Address == "" {
		c.Metrics.Address = "127.0.0.1"
	}
}

func (c *Config) Validate() error {
	if c.Unifi.Address == "" {
		return fmt.Errorf("unifi.address is required")
	}
	if c.Unifi.Username == "" {
		return fmt.Errorf("unifi.username is required")
	}
	if c.Unifi.Password.Empty() {
		return fmt.Errorf("unifi.password is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Backup.Remote) == 0 {
		return fmt.Errorf("at least one backup.remote target is required")
	}
	seen := map[string]bool{}
	for i, r := range c.Backup.Remote {
		if r.Name == "" {
			return fmt.Errorf("backup.remote[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("backup.remote[%d]: duplicate target name %q", i, r.Name)
		}
		seen[r.Name] = true
		kinds := 0
		if r.Local != nil {
			kinds++
			if r.Local.Path == "" {
				return fmt.Errorf("backup.remote[%d] (%s): local.path is required", i, r.Name)
			}
		}
		if r.RemoteCopy != nil {
			kinds++
			if r.RemoteCopy.Remote == "" || r.RemoteCopy.Path == "" {
				return fmt.Errorf("backup.remote[%d] (%s): remote-copy.remote and remote-copy.path are required", i, r.Name)
			}
		}
		if kinds != 1 {
			return fmt.Errorf("backup.remote[%d] (%s): exactly one of local or remote-copy must be set", i, r.Name)
		}
	}
	for i, r := range c.Archive.Remote {
		if r.Name == "" {
			return fmt.Errorf("archive.remote[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("archive.remote[%d]: duplicate target name %q", i, r.Name)
		}
		seen[r.Name] = true
		if r.DedupRepo == nil {
			return fmt.Errorf("archive.remote[%d] (%s): dedup-repo must be set", i, r.Name)
		}
		if r.DedupRepo.Repo == "" {
			return fmt.Errorf("archive.remote[%d] (%s): dedup-repo.repo is required", i, r.Name)
		}
		if r.DedupRepo.Passphrase.Empty() {
			return fmt.Errorf("archive.remote[%d] (%s): dedup-repo.passphrase is required", i, r.Name)
		}
	}
	if c.Backup.ParallelUploads < 1 {
		return fmt.Errorf("backup.parallel-uploads must be at least 1")
	}
	if c.Backup.DownloadBufferSize < 4096 {
		return fmt.Errorf("backup.download-buffer-size must be at least 4096")
	}
	if c.Metrics != nil && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be a valid port")
	}
	return nil
}
