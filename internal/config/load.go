package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "SCRIBE"

// envKeys can be overridden with SCRIBE_<KEY>, dots replaced by underscores.
var envKeys = []string{
	"server.addr",
	"server.trust_proxy",
	"log.level",
	"log.development",
	"cache.codec",
	"cache.redis.enabled",
	"cache.redis.addr",
	"cache.redis.username",
	"cache.redis.password",
	"cache.redis.db",
	"providers.assist.base_url",
	"providers.assist.api_key",
	"providers.quotes.base_url",
	"providers.quotes.api_key",
	"providers.memes.base_url",
	"providers.memes.api_key",
}

// Load reads the configuration file at filePath over the defaults. An empty
// filePath searches for a file named "config" in the working directory and
// tolerates its absence.
func Load(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, "", fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}
