package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. ROVERLINK_SERVERPORT=9000.
const EnvPrefix = "ROVERLINK"

// maxDocumentSize bounds a configuration document fetched over HTTP.
const maxDocumentSize = 1 << 20

// Load reads a link configuration from path. The format is taken from the
// file extension (yaml, json, toml, ini, properties). Environment variables
// override file values.
func Load(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// LoadURL fetches a link configuration document over HTTP(S). The format is
// taken from the URL path extension and defaults to yaml.
func LoadURL(ctx context.Context, rawURL string) (Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Config{}, fmt.Errorf("parse config url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Config{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Config{}, fmt.Errorf("fetch config: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return Config{}, fmt.Errorf("read config body: %w", err)
	}

	v := newViper()
	v.SetConfigType(formatOf(u.Path))
	if err := v.ReadConfig(bytes.NewReader(body)); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return decode(v)
}

// newViper seeds every key with its default so env-only configs work.
func newViper() *viper.Viper {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("name", def.Name)
	v.SetDefault("protocol", string(def.Protocol))
	v.SetDefault("endpoint", string(def.Endpoint))
	v.SetDefault("serveraddress", def.ServerAddress)
	v.SetDefault("serverport", def.ServerPort)
	v.SetDefault("hostaddress", def.HostAddress)
	v.SetDefault("dropoldpackets", def.DropOldPackets)
	v.SetDefault("watchdoginterval", def.WatchdogInterval)
	v.SetDefault("statisticsinterval", def.StatisticsInterval)
	v.SetDefault("idletimeout", def.IdleTimeout)
	v.SetDefault("tcpverifytimeout", def.TCPVerifyTimeout)
	v.SetDefault("sentlogcap", def.SentLogCap)
	v.SetDefault("lowdelay", def.LowDelay)
	return v
}

func decode(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func formatOf(p string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	for _, supported := range viper.SupportedExts {
		if ext == supported {
			return ext
		}
	}
	return "yaml"
}

// IsInvalid reports whether err is a validation failure rather than an I/O one.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
