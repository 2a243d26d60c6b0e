package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load initializes configuration from config.yaml (optional) and environment
// variables prefixed with MAILSYNC_. Defaults cover local development.
func Load() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/mailsync")

	viper.SetEnvPrefix("mailsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("data.dir", "data")
	viper.SetDefault("auth.jwks_url", "http://localhost:3000/api/auth/jwks")

	viper.SetDefault("provider.base_url", "https://api.aurinko.io/v1")
	viper.SetDefault("provider.client_id", "")
	viper.SetDefault("provider.client_secret", "")
	viper.SetDefault("provider.window_days", 7)
	viper.SetDefault("provider.body_format", "html")

	viper.SetDefault("embedding.base_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("embedding.model", "embedding-001")
	viper.SetDefault("embedding.api_key", "")

	viper.SetDefault("nats.url", "")

	viper.SetDefault("search.similarity_threshold", 0.8)

	viper.SetDefault("sync.concurrency", 10)
	viper.SetDefault("sync.ready_poll_max", 30)

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults are enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return nil
}
