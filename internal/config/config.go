// Package config loads the smart copy service's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MCS holds the wire-protocol endpoint configuration.
type MCS struct {
	MessageInHost  string `yaml:"message_in_host"`
	MessageInPort  int    `yaml:"message_in_port"`
	MessageOutHost string `yaml:"message_out_host"`
	MessageOutPort int    `yaml:"message_out_port"`
	MessageRefPort int    `yaml:"message_ref_port"`
}

// Email holds the STARTTLS credentials used for the daily failure digest.
type Email struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	SMTPServer string `yaml:"smtp_server"`
	To         []string `yaml:"to"`
}

// Archival resolves the spec's open question on the archival-host check:
// it is configuration, not a compiled-in constant.
type Archival struct {
	Host         string `yaml:"host"`
	SourcePrefix string `yaml:"source_prefix"`
}

// StatusAPI configures the optional read-only JSON status mirror.
type StatusAPI struct {
	ListenAddr   string `yaml:"listen_addr"`
	PasswordHash string `yaml:"password_hash"`
}

// Config is the top-level shape of the service's YAML configuration file.
type Config struct {
	MCS      MCS      `yaml:"mcs"`
	MaxRetry int      `yaml:"max_retry"`
	WaitRetryHours float64 `yaml:"wait_retry"`
	PurgeSizeTiB   float64 `yaml:"purge_size"`
	BwLimitMBs     float64 `yaml:"bw_limit"`
	Email    Email    `yaml:"email"`
	Archival Archival `yaml:"archival"`

	Recorders []string `yaml:"recorders"`

	QueueDBPath   string `yaml:"queue_db_path"`
	ActivityLog   string `yaml:"activity_log_path"`
	UnreliableLinks []string `yaml:"unreliable_links"`

	StatusAPI StatusAPI `yaml:"status_api"`
}

// WaitRetry returns the configured retry cooldown as a duration.
func (c Config) WaitRetry() time.Duration {
	return time.Duration(c.WaitRetryHours * float64(time.Hour))
}

// PurgeThresholdBytes returns the purge trigger in bytes.
func (c Config) PurgeThresholdBytes() int64 {
	const tib = 1024 * 1024 * 1024 * 1024
	return int64(c.PurgeSizeTiB * tib)
}

// Default returns the configuration's built-in defaults, applied before a
// file is loaded over them.
func Default() Config {
	return Config{
		MCS: MCS{
			MessageInHost:  "0.0.0.0",
			MessageInPort:  5050,
			MessageOutHost: "127.0.0.1",
			MessageOutPort: 5051,
			MessageRefPort: 5052,
		},
		MaxRetry:       3,
		WaitRetryHours: 24,
		PurgeSizeTiB:   5,
		BwLimitMBs:      0,
		Archival: Archival{
			Host:         "archive.leo10g.unm.edu",
			SourcePrefix: "DROS/Spec",
		},
		QueueDBPath: "./data/smartcopy.db",
		ActivityLog: "./data/mcs-events.log",
		StatusAPI: StatusAPI{
			ListenAddr: "127.0.0.1:8090",
		},
	}
}

// Load reads and parses the YAML file at path on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Recorders) == 0 {
		return Config{}, fmt.Errorf("config: no recorders configured")
	}
	return cfg, nil
}

// IsUnreliableLink reports whether host is flagged for pre-resume
// truncation, mirroring the source's IS_UNRELIABLE_LINK hostname check.
func (c Config) IsUnreliableLink(host string) bool {
	for _, h := range c.UnreliableLinks {
		if h == host {
			return true
		}
	}
	return false
}
