// Package config loads the pasflow configuration file.
//
// The file is TOML and is searched in this order: the path in the
// PASFLOW_CONFIG_PATH environment variable, /etc/pasflow/config.toml,
// and finally config.toml in the user's configuration directory. When
// no file exists, one with defaults is written to the user location so
// operators have a template to edit.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the default error class for the config package.
var Error = errs.Class("config")

const envConfigPath = "PASFLOW_CONFIG_PATH"

// Config is the full pasflow configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	CMS      CMSConfig      `mapstructure:"cms"`
	DPRES    DPRESConfig    `mapstructure:"dpres"`
	PAS      PASConfig      `mapstructure:"pas"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is a zap level name, e.g. "debug" or "info".
	Level string `mapstructure:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `mapstructure:"development"`
}

// DatabaseConfig locates the workflow database.
type DatabaseConfig struct {
	// URL takes precedence over the individual fields when set.
	URL string `mapstructure:"url"`

	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
}

// RedisConfig locates the Redis instance backing queues, locks and
// heartbeats.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CMSConfig locates the collection management system.
type CMSConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DPRESConfig locates the digital preservation service's SFTP endpoint.
type DPRESConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	KnownHostsPath string `mapstructure:"known_hosts_path"`

	// ContractID identifies the preservation contract on the REST API
	// used by the DIP tool.
	ContractID string `mapstructure:"contract_id"`
	// InsecureTLS disables certificate verification on the REST API.
	InsecureTLS bool `mapstructure:"insecure_tls"`
}

// PASConfig names the external packaging tools.
type PASConfig struct {
	DownloadCommand string `mapstructure:"download_command"`
	CreateCommand   string `mapstructure:"create_command"`
	SubmitCommand   string `mapstructure:"submit_command"`
	ConfirmCommand  string `mapstructure:"confirm_command"`
}

// WorkflowConfig holds the filesystem layout and eligibility timing.
type WorkflowConfig struct {
	PackageDir string `mapstructure:"package_dir"`
	ArchiveDir string `mapstructure:"archive_dir"`

	PreservationDelay time.Duration `mapstructure:"preservation_delay"`
	UpdateDelay       time.Duration `mapstructure:"update_delay"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "pasflow")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("dpres.port", 22)
	v.SetDefault("pas.download_command", "download-object")
	v.SetDefault("pas.create_command", "create-sip")
	v.SetDefault("pas.submit_command", "submit-sip")
	v.SetDefault("pas.confirm_command", "confirm-sip")
	// Objects wait 30 days before first preservation and modifications
	// settle for 30 days before an update SIP.
	v.SetDefault("workflow.preservation_delay", 30*24*time.Hour)
	v.SetDefault("workflow.update_delay", 30*24*time.Hour)

	return v
}

// Load reads the configuration from the first location that has one,
// writing a default file when none exists.
func Load() (*Config, error) {
	v := newViper()

	path, err := resolvePath(v)
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, Error.Wrap(err)
	}
	return &config, nil
}

// resolvePath finds the configuration file, creating a default one in
// the user's configuration directory as a last resort. Returns an empty
// path when no file could be found or created; defaults apply then.
func resolvePath(v *viper.Viper) (string, error) {
	if path := os.Getenv(envConfigPath); path != "" {
		return path, nil
	}

	systemPath := filepath.Join("/etc", "pasflow", "config.toml")
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, nil
	}

	userDir, err := os.UserConfigDir()
	if err != nil {
		return "", nil
	}
	userPath := filepath.Join(userDir, "pasflow", "config.toml")
	if _, err := os.Stat(userPath); err == nil {
		return userPath, nil
	}

	// First run: write a template the operator can edit.
	if err := os.MkdirAll(filepath.Dir(userPath), 0o700); err != nil {
		return "", nil
	}
	if err := v.SafeWriteConfigAs(userPath); err != nil {
		return "", nil
	}
	return userPath, nil
}
