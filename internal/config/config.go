// Package config is the hub/node viper-based configuration loader,
// modeled directly on backend/config/config.go: a struct with
// mapstructure tags, viper defaults, a path-or-search-path Load, and a
// standalone Validate for CI/pre-flight checks.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// HubConfig is the hub process's runtime configuration. The protocol
// constants in internal/wire (MAX_NODES, tick rate, timeouts) are not
// exposed here for override; the WS path and the show/TS UDP ports are,
// defaulting to their internal/wire values, alongside bind addresses,
// storage paths, and operator auth.
type HubConfig struct {
	Env      string `mapstructure:"env" yaml:"env"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
	WSPath   string `mapstructure:"ws_path" yaml:"ws_path"`

	ShowUDPPort int `mapstructure:"show_udp_port" yaml:"show_udp_port"`
	TSUDPPort   int `mapstructure:"ts_udp_port" yaml:"ts_udp_port"`

	DBPath           string `mapstructure:"db_path" yaml:"db_path"`
	OTAManifestPath  string `mapstructure:"ota_manifest_path" yaml:"ota_manifest_path"`
	OTABlobRoot      string `mapstructure:"ota_blob_root" yaml:"ota_blob_root"`
	OTADefaultTrack  string `mapstructure:"ota_default_track" yaml:"ota_default_track"`
	OTADefaultAsset  string `mapstructure:"ota_default_platform" yaml:"ota_default_platform"`

	AdminUser         string `mapstructure:"admin_user" yaml:"admin_user"`
	AdminPasswordHash string `mapstructure:"admin_password_hash" yaml:"admin_password_hash"`
	AdminTokenSecret  string `mapstructure:"admin_token_secret" yaml:"admin_token_secret"`
}

// NodeConfig is the node process's runtime configuration.
type NodeConfig struct {
	Env      string `mapstructure:"env" yaml:"env"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	HubAddr string `mapstructure:"hub_addr" yaml:"hub_addr"`
	WSPath  string `mapstructure:"ws_path" yaml:"ws_path"`

	ShowUDPPort int `mapstructure:"show_udp_port" yaml:"show_udp_port"`
	TSUDPPort   int `mapstructure:"ts_udp_port" yaml:"ts_udp_port"`

	MAC      string `mapstructure:"mac" yaml:"mac"`
	FW       string `mapstructure:"fw" yaml:"fw"`
	Platform string `mapstructure:"platform" yaml:"platform"`

	Leds     int `mapstructure:"leds" yaml:"leds"`
	Channels int `mapstructure:"channels" yaml:"channels"`
}

func setHubDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":80")
	v.SetDefault("ws_path", wire.WSPath)
	v.SetDefault("show_udp_port", wire.ShowUDPPort)
	v.SetDefault("ts_udp_port", wire.TSUDPPort)
	v.SetDefault("db_path", "data/fleetctl.db")
	v.SetDefault("ota_manifest_path", "data/ota/manifest.json")
	v.SetDefault("ota_blob_root", "data/ota")
	v.SetDefault("ota_default_track", "stable")
	v.SetDefault("ota_default_platform", "esp32-s3")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_password_hash", "")
	v.SetDefault("admin_token_secret", "")
}

func setNodeDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("hub_addr", "192.168.4.1")
	v.SetDefault("ws_path", wire.WSPath)
	v.SetDefault("show_udp_port", wire.ShowUDPPort)
	v.SetDefault("ts_udp_port", wire.TSUDPPort)
	v.SetDefault("platform", "esp32-s3")
	v.SetDefault("leds", 150)
	v.SetDefault("channels", 1)
}

func newSearchingViper(configPath string) *viper.Viper {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("data")
		v.AddConfigPath("/etc/fleetctl")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadHub loads hub configuration from configPath (or the default
// search path if empty), layering environment variables over the file.
func LoadHub(configPath string) (*HubConfig, error) {
	v := newSearchingViper(configPath)
	setHubDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read hub config: %w", err)
		}
	}
	var cfg HubConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal hub config: %w", err)
	}
	return &cfg, nil
}

// LoadNode loads node configuration from configPath (or the default
// search path if empty), layering environment variables over the file.
func LoadNode(configPath string) (*NodeConfig, error) {
	v := newSearchingViper(configPath)
	setNodeDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read node config: %w", err)
		}
	}
	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal node config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that path exists, is parseable YAML, and does not use
// tab indentation (a common and otherwise-silent YAML foot-gun). Used
// by deployment tooling as a pre-flight check before restarting a hub
// or node process on a new config file.
func Validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.Contains(string(data), "\t") {
		return fmt.Errorf("config: %s contains tab characters, YAML requires spaces", path)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("config: %s is not valid YAML: %w", path, err)
	}
	if raw := v.Get("nodes"); raw != nil {
		if _, ok := raw.([]interface{}); !ok {
			return fmt.Errorf("config: %s has a malformed nodes section, expected a list", path)
		}
	}
	return nil
}
