package factory

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"gopkg.in/yaml.v3"
)

var (
	cfgMu         sync.RWMutex
	defaultConfig *config.Config
	configPath    string
)

// InitConfigFactory initializes the configuration factory
func InitConfigFactory(cfgPath string) (*config.Config, error) {
	// Values in .env feed ${VAR} expansion; real environment wins
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.ConfigLog.Warnf("Failed to load .env: %v", err)
	}

	if cfgPath == "" {
		cfgPath = getDefaultConfigPath()
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfgMu.Lock()
	defaultConfig = cfg
	configPath = cfgPath
	cfgMu.Unlock()

	logger.InitLog.Infof("Configuration loaded from: %s", cfgPath)
	return cfg, nil
}

// GetConfig returns the default configuration
func GetConfig() *config.Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return defaultConfig
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return configPath
}

// loadConfig loads configuration from a YAML file
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig expands environment variables and decodes YAML
func ParseConfig(data []byte) (*config.Config, error) {
	content := os.ExpandEnv(string(data))

	cfg := &config.Config{}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults applies default values to the configuration
func ApplyDefaults(cfg *config.Config) {
	// Info defaults
	if cfg.Info == nil {
		cfg.Info = &config.Info{}
	}
	if cfg.Info.Version == "" {
		cfg.Info.Version = "1.0.0"
	}
	if cfg.Info.Description == "" {
		cfg.Info.Description = "Nextranet Intercom Gateway"
	}

	// Logger defaults
	if cfg.Logger == nil {
		cfg.Logger = &config.Logger{}
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.RotationCount == 0 {
		cfg.Logger.RotationCount = 3
	}
	if cfg.Logger.RotationMaxAge == 0 {
		cfg.Logger.RotationMaxAge = 7
	}
	if cfg.Logger.RotationMaxSize == 0 {
		cfg.Logger.RotationMaxSize = 50
	}

	// NBI defaults
	if cfg.NBI != nil {
		if cfg.NBI.Scheme == "" {
			cfg.NBI.Scheme = "http"
		}
		if cfg.NBI.BindingIPv4 == "" {
			cfg.NBI.BindingIPv4 = "0.0.0.0"
		}
		if cfg.NBI.Port == 0 {
			cfg.NBI.Port = 8080
		}
		if cfg.NBI.ReadTimeout == 0 {
			cfg.NBI.ReadTimeout = 30 * time.Second
		}
		if cfg.NBI.WriteTimeout == 0 {
			cfg.NBI.WriteTimeout = 30 * time.Second
		}
	}

	// Intercom defaults
	if cfg.Intercom == nil {
		cfg.Intercom = &config.Intercom{}
	}
	ic := cfg.Intercom
	if ic.WampPort == 0 {
		ic.WampPort = 8086
	}
	if ic.RESTPort == 0 {
		ic.RESTPort = 443
	}
	if ic.Realm == "" {
		ic.Realm = "zenitel"
	}
	if ic.AuthRetryInterval == 0 {
		ic.AuthRetryInterval = 10 * time.Second
	}
	if ic.SessionTimeout == 0 {
		ic.SessionTimeout = time.Hour
	}
	if ic.RenewalFraction <= 0 || ic.RenewalFraction >= 1 {
		ic.RenewalFraction = 0.97
	}
	if ic.InitialReconnectBudget == 0 {
		ic.InitialReconnectBudget = 50
	}
	if ic.ReconnectBudget == 0 {
		ic.ReconnectBudget = 10
	}
	if ic.RPCTimeout == 0 {
		ic.RPCTimeout = 300 * time.Millisecond
	}
	if ic.DeviceRefreshInterval == 0 {
		ic.DeviceRefreshInterval = 5 * time.Minute
	}
	if ic.GpioPollInterval == 0 {
		ic.GpioPollInterval = time.Second
	}

	// REST defaults
	if cfg.REST == nil {
		cfg.REST = &config.REST{}
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.FailureThreshold == 0 {
		cfg.REST.FailureThreshold = 5
	}
	if cfg.REST.OpenTimeout == 0 {
		cfg.REST.OpenTimeout = 30 * time.Second
	}

	// Database defaults
	if cfg.Database != nil {
		if cfg.Database.Type == "" {
			cfg.Database.Type = "postgresql"
		}
		if cfg.Database.Pool == nil {
			cfg.Database.Pool = &config.DBPool{}
		}
		if cfg.Database.Pool.MaxIdleConns == 0 {
			cfg.Database.Pool.MaxIdleConns = 5
		}
		if cfg.Database.Pool.MaxOpenConns == 0 {
			cfg.Database.Pool.MaxOpenConns = 20
		}
		if cfg.Database.Pool.ConnMaxLifetime == 0 {
			cfg.Database.Pool.ConnMaxLifetime = 5 * time.Minute
		}
		if cfg.Database.Pool.ConnMaxIdleTime == 0 {
			cfg.Database.Pool.ConnMaxIdleTime = 1 * time.Minute
		}
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *config.Config) error {
	// Validate logger
	if cfg.Logger != nil {
		validLevels := []string{"panic", "fatal", "error", "warn", "warning", "info", "debug", "trace"}
		if !slices.Contains(validLevels, strings.ToLower(cfg.Logger.Level)) {
			return fmt.Errorf("invalid log level: %s", cfg.Logger.Level)
		}
	}

	// Validate NBI
	if cfg.NBI != nil {
		if cfg.NBI.Port < 1 || cfg.NBI.Port > 65535 {
			return fmt.Errorf("invalid NBI port: %d", cfg.NBI.Port)
		}
		if cfg.NBI.Scheme != "http" && cfg.NBI.Scheme != "https" {
			return fmt.Errorf("invalid NBI scheme: %s", cfg.NBI.Scheme)
		}
		if cfg.NBI.Scheme == "https" && cfg.NBI.TLS == nil {
			return fmt.Errorf("TLS configuration required for HTTPS scheme")
		}
		if cfg.NBI.TLS != nil {
			if cfg.NBI.TLS.Cert == "" || cfg.NBI.TLS.Key == "" {
				return fmt.Errorf("TLS cert and key are required")
			}
			if _, err := os.Stat(cfg.NBI.TLS.Cert); err != nil {
				return fmt.Errorf("TLS cert file not found: %s", cfg.NBI.TLS.Cert)
			}
			if _, err := os.Stat(cfg.NBI.TLS.Key); err != nil {
				return fmt.Errorf("TLS key file not found: %s", cfg.NBI.TLS.Key)
			}
		}
	}

	// Validate Intercom
	ic := cfg.Intercom
	if ic == nil {
		return fmt.Errorf("intercom configuration is required")
	}
	if ic.ServerAddress == "" {
		return fmt.Errorf("intercom server address is required")
	}
	if ic.WampPort < 1 || ic.WampPort > 65535 {
		return fmt.Errorf("invalid intercom WAMP port: %d", ic.WampPort)
	}
	if ic.RESTPort < 1 || ic.RESTPort > 65535 {
		return fmt.Errorf("invalid intercom REST port: %d", ic.RESTPort)
	}
	if ic.OperatorDirNo == "" {
		return fmt.Errorf("operator dirno is required")
	}
	if ic.InitialReconnectBudget < 0 || ic.ReconnectBudget < 0 {
		return fmt.Errorf("reconnect budgets must not be negative")
	}

	// Validate Database
	if cfg.Database != nil {
		validTypes := []string{"postgresql", "postgres"}
		if !slices.Contains(validTypes, cfg.Database.Type) {
			return fmt.Errorf("invalid database type: %s", cfg.Database.Type)
		}
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database DSN is required")
		}
	}

	return nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	// Check environment variable
	if path := os.Getenv("INTERCOM_CONFIG_PATH"); path != "" {
		return path
	}

	// Check common locations
	commonPaths := []string{
		"./config.yaml",
		"./config.yml",
		"./conf/config.yaml",
		"./conf/config.yml",
		"/etc/intercom/config.yaml",
		"/etc/intercom/config.yml",
	}

	for _, path := range commonPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	// Default to current directory
	return "config.yaml"
}

// ReloadConfig reloads the configuration from file
func ReloadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("no configuration path set")
	}
	return InitConfigFactory(path)
}

// SaveConfig saves the configuration to file
func SaveConfig(cfg *config.Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}
	if path == "" {
		return fmt.Errorf("no configuration path specified")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	logger.InitLog.Infof("Configuration saved to: %s", path)
	return nil
}
