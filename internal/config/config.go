package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Device key material. Release builds replace these with
// -ldflags "-X github.com/toyotech/ota-client/internal/config.DefaultKeyHex=...".
var (
	DefaultKeyHex = "603deb1015ca71be2b73aef0857d77811f352c073b6108d72d9810a30914dff4"
	DefaultIVHex  = "000102030405060708090a0b0c0d0e0f"
)

// Config holds all application configuration
type Config struct {
	// Local state
	DBPath     string `mapstructure:"db-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`
	RegionDir  string `mapstructure:"region-dir"`
	RegionSize int64  `mapstructure:"region-size"`

	// Update server
	CheckURL        string        `mapstructure:"check-url"`
	DownloadBaseURL string        `mapstructure:"download-base-url"`
	ReportURL       string        `mapstructure:"report-url"`
	HTTPTimeout     time.Duration `mapstructure:"http-timeout"`
	MaxResponseSize int64         `mapstructure:"max-response-size"`

	// TLS client identity
	CACert          string `mapstructure:"ca-cert"`
	ClientCert      string `mapstructure:"client-cert"`
	ClientKey       string `mapstructure:"client-key"`
	TLSSkipHostname bool   `mapstructure:"tls-skip-hostname"`

	// S3 firmware source
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Endpoint string `mapstructure:"s3-endpoint"`

	// Device identity and key material
	HardwareModel   string `mapstructure:"hardware-model"`
	FirmwareVersion string `mapstructure:"firmware-version"`
	KeyHex          string `mapstructure:"key-hex"`
	IVHex           string `mapstructure:"iv-hex"`

	// Connectivity
	ProbeAddr         string        `mapstructure:"probe-addr"`
	ProbeInterval     time.Duration `mapstructure:"probe-interval"`
	MaxConnectRetries int           `mapstructure:"max-connect-retries"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect-delay"`

	// Update policy
	SoakLoops       int  `mapstructure:"soak-loops"`
	HashFinalBlock  bool `mapstructure:"hash-final-block"`
	RefuseDowngrade bool `mapstructure:"refuse-downgrade"`

	// Host integration
	RestartCommand string `mapstructure:"restart-command"`
	MetricsAddr    string `mapstructure:"metrics-addr"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("db-path", ".artifacts/ledger.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("region-dir", ".artifacts/regions")
	viper.SetDefault("region-size", 2*1024*1024)
	viper.SetDefault("check-url", "https://ota.example.com/api/v1/firmware/check")
	viper.SetDefault("download-base-url", "https://ota.example.com/api/v1/firmware/")
	viper.SetDefault("report-url", "")
	viper.SetDefault("http-timeout", 30*time.Second)
	viper.SetDefault("max-response-size", 2048)
	viper.SetDefault("ca-cert", "certs/ca.pem")
	viper.SetDefault("client-cert", "certs/client.pem")
	viper.SetDefault("client-key", "certs/client.key")
	viper.SetDefault("tls-skip-hostname", false)
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("hardware-model", "ModelX")
	viper.SetDefault("firmware-version", "1.1")
	viper.SetDefault("key-hex", DefaultKeyHex)
	viper.SetDefault("iv-hex", DefaultIVHex)
	viper.SetDefault("probe-addr", "ota.example.com:443")
	viper.SetDefault("probe-interval", 5*time.Second)
	viper.SetDefault("max-connect-retries", 5)
	viper.SetDefault("reconnect-delay", time.Duration(0))
	viper.SetDefault("soak-loops", 0)
	viper.SetDefault("hash-final-block", false)
	viper.SetDefault("refuse-downgrade", false)
	viper.SetDefault("restart-command", "")
	viper.SetDefault("metrics-addr", "")

	// Environment variables (will be OTA_DB_PATH, etc.)
	viper.SetEnvPrefix("OTA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.ota-client")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.RegionDir == "" {
		return fmt.Errorf("region-dir cannot be empty")
	}
	if c.RegionSize <= 0 || c.RegionSize%16 != 0 {
		return fmt.Errorf("region-size must be a positive multiple of 16")
	}
	if c.MaxResponseSize <= 0 {
		return fmt.Errorf("max-response-size must be positive")
	}
	if c.MaxConnectRetries < 0 {
		return fmt.Errorf("max-connect-retries must be non-negative")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect-delay must be non-negative")
	}
	if c.SoakLoops < 0 {
		return fmt.Errorf("soak-loops must be non-negative")
	}
	if c.HardwareModel == "" || c.FirmwareVersion == "" {
		return fmt.Errorf("hardware-model and firmware-version cannot be empty")
	}
	if _, _, err := c.KeyMaterial(); err != nil {
		return err
	}
	return nil
}

// KeyMaterial decodes the device AES key and IV.
func (c *Config) KeyMaterial() (key, iv []byte, err error) {
	key, err = hex.DecodeString(c.KeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("key-hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, nil, fmt.Errorf("key-hex must decode to 16, 24 or 32 bytes, got %d", len(key))
	}
	iv, err = hex.DecodeString(c.IVHex)
	if err != nil {
		return nil, nil, fmt.Errorf("iv-hex: %w", err)
	}
	if len(iv) != 16 {
		return nil, nil, fmt.Errorf("iv-hex must decode to 16 bytes, got %d", len(iv))
	}
	return key, iv, nil
}

// RestartArgs splits RestartCommand into argv.
func (c *Config) RestartArgs() []string {
	return strings.Fields(c.RestartCommand)
}
