package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/provider"
)

// newProvider selects the push-provider client. A configured base URL
// gets the real HTTP client; otherwise the in-process fake keeps the
// binary runnable end to end without provider credentials.
func newProvider(cfg *config.Config) (provider.WatchProvider, error) {
	if cfg.Provider.BaseURL == "" {
		log.Warn().Msg("No provider base URL configured, using in-process fake provider")
		return provider.NewFakeProvider(), nil
	}

	return provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL: cfg.Provider.BaseURL,
		Token:   cfg.Provider.Token,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	}), nil
}
