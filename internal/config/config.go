package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config is the mirror's printer section, loaded from a TOML file with
// environment overrides applied afterwards.
type Config struct {
	DeviceType string `toml:"device_type"` // eg "P1S"
	Serial     string `toml:"serial"`
	Host       string `toml:"host"`
	AccessCode string `toml:"access_code"`

	Region   string `toml:"region"` // eg "EU"
	Email    string `toml:"email"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	AuthTokenFile string `toml:"auth_token_file"`
	TelemetryURL  string `toml:"telemetry_url"`
	ListenAddr    string `toml:"listen_addr"`
	CoverDir      string `toml:"cover_dir"`
	HistoryDB     string `toml:"history_db"`

	PollInterval    time.Duration `toml:"-"`
	RefreshInterval time.Duration `toml:"-"`

	PollIntervalRaw    string `toml:"poll_interval"`
	RefreshIntervalRaw string `toml:"refresh_interval"`
}

const (
	defaultListenAddr      = ":30000"
	defaultTokenFile       = "~/.authtoken"
	defaultPollInterval    = time.Second
	defaultRefreshInterval = 5 * time.Minute
)

// Load parses the config file at path and applies defaults and PRINTMIRROR_*
// environment overrides (useful for keeping credentials out of the file).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	applyEnvOverrides(&cfg)
	if err := applyDefaults(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	override(&cfg.Email, "PRINTMIRROR_EMAIL")
	override(&cfg.Password, "PRINTMIRROR_PASSWORD")
	override(&cfg.AccessCode, "PRINTMIRROR_ACCESS_CODE")
	override(&cfg.AuthTokenFile, "PRINTMIRROR_TOKEN_FILE")
	override(&cfg.ListenAddr, "PRINTMIRROR_LISTEN_ADDR")
}

func override(target *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*target = val
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.AuthTokenFile == "" {
		cfg.AuthTokenFile = defaultTokenFile
	}
	expanded, err := expandHome(cfg.AuthTokenFile)
	if err != nil {
		return err
	}
	cfg.AuthTokenFile = expanded
	if cfg.HistoryDB != "" {
		if cfg.HistoryDB, err = expandHome(cfg.HistoryDB); err != nil {
			return err
		}
	}
	if cfg.TelemetryURL == "" && cfg.Host != "" {
		cfg.TelemetryURL = "ws://" + cfg.Host + ":9080/report"
	}

	cfg.PollInterval = defaultPollInterval
	if cfg.PollIntervalRaw != "" {
		if cfg.PollInterval, err = time.ParseDuration(cfg.PollIntervalRaw); err != nil {
			return errors.Wrap(err, "parse poll_interval")
		}
	}
	cfg.RefreshInterval = defaultRefreshInterval
	if cfg.RefreshIntervalRaw != "" {
		if cfg.RefreshInterval, err = time.ParseDuration(cfg.RefreshIntervalRaw); err != nil {
			return errors.Wrap(err, "parse refresh_interval")
		}
	}
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Serial) == "" {
		return errors.New("config: serial is required")
	}
	if strings.TrimSpace(cfg.Host) == "" && strings.TrimSpace(cfg.TelemetryURL) == "" {
		return errors.New("config: host or telemetry_url is required")
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
