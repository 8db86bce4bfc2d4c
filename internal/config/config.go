package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

const (
	appDir     = "popcast"
	configFile = "settings.json"
	envPrefix  = "POPCAST_"
)

type Config struct {
	RemoveCacheOnPlayerExit   bool   `json:"removeCacheOnPlayerExit" mapstructure:"REMOVE_CACHE_ON_PLAYER_EXIT"`
	PreferredSubtitleLanguage string `json:"preferredSubtitleLanguage" mapstructure:"PREFERRED_SUBTITLE_LANGUAGE"`
	PreferredSubtitleColor    string `json:"preferredSubtitleColor" mapstructure:"PREFERRED_SUBTITLE_COLOR"`
	PreferredSubtitleFont     string `json:"preferredSubtitleFont" mapstructure:"PREFERRED_SUBTITLE_FONT"`
	TraktClientID             string `json:"traktClientID" mapstructure:"TRAKT_CLIENT_ID"`
	TraktAccessToken          string `json:"traktAccessToken" mapstructure:"TRAKT_ACCESS_TOKEN"`
	TorrentDataDir            string `json:"torrentDataDir" mapstructure:"TORRENT_DATA_DIR"`
	ListenPort                int    `json:"listenPort" mapstructure:"LISTEN_PORT"`
	MetricsEnabled            bool   `json:"metricsEnabled" mapstructure:"METRICS_ENABLED"`
}

// Default is the configuration written on first use.
func Default() *Config {
	return &Config{
		RemoveCacheOnPlayerExit:   true,
		PreferredSubtitleLanguage: "en",
		PreferredSubtitleColor:    "#FFFFFFFF",
		PreferredSubtitleFont:     "Default",
		TorrentDataDir:            filepath.Join(os.TempDir(), appDir),
		ListenPort:                3500,
	}
}

// GetAppConfig loads the settings file from the user config dir and applies
// POPCAST_* environment overrides.
func GetAppConfig() (*Config, error) {
	path, err := appPath()
	if err != nil {
		return nil, fmt.Errorf("GetAppConfig: failed to access config path due to error %w", err)
	}

	conf, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := conf.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load reads path, creating it with defaults when missing. Keys absent from
// the file keep their default values.
func Load(path string) (*Config, error) {
	cfgfile, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("Load: failed to create default path due to error %w", err)
			}

			conf := Default()
			if err := conf.Save(path); err != nil {
				return nil, fmt.Errorf("Load: failed to create default config due to error %w", err)
			}
			return conf, nil
		}

		return nil, fmt.Errorf("Load: failed to open config due to error %w", err)
	}
	defer cfgfile.Close()

	conf := Default()
	if err := json.NewDecoder(cfgfile).Decode(conf); err != nil {
		return nil, fmt.Errorf("Load: failed to decode config due to error %w", err)
	}

	return conf, nil
}

// ApplyEnv overrides fields from POPCAST_* entries of environ, given in
// os.Environ form. Values are weakly typed ("1", "true" and so on).
func (s *Config) ApplyEnv(environ []string) error {
	overrides := make(map[string]any)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		overrides[strings.TrimPrefix(key, envPrefix)] = value
	}
	if len(overrides) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           s,
	})
	if err != nil {
		return fmt.Errorf("ApplyEnv: %w", err)
	}

	if err := decoder.Decode(overrides); err != nil {
		return fmt.Errorf("ApplyEnv: failed to decode environment due to error %w", err)
	}
	return nil
}

// Save writes the configuration to path.
func (s *Config) Save(path string) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("Save: failed to marshal json due to error %w", err)
	}

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("Save: failed save config due to error %w", err)
	}

	return nil
}

// SaveAppConfig writes the configuration to the user config dir.
func (s *Config) SaveAppConfig() error {
	path, err := appPath()
	if err != nil {
		return fmt.Errorf("SaveAppConfig: failed to access config path due to error %w", err)
	}
	return s.Save(path)
}

// Dir is the application's directory under the user config dir.
func Dir() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("Dir: failed to get config dir due to error %w", err)
	}
	return filepath.Join(oscfg, appDir), nil
}

func appPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}
