// Package storage persists pipeline artifacts under provider-agnostic keys.
// A key is a logical path; each provider maps it onto its own addressing
// scheme (filesystem path, object key, blob name).
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/domain"
	"github.com/pagemill/pagemill/internal/observability"
)

// New constructs the provider selected by cfg. The configuration must
// already be validated; an unrecognized provider is a configuration error.
func New(ctx context.Context, cfg config.StorageConfig, log *observability.Logger) (domain.StorageProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.ConfigError("invalid storage configuration", err)
	}
	switch cfg.Provider {
	case config.ProviderLocal:
		return NewLocal(cfg.Local, log)
	case config.ProviderAWS:
		return NewS3(ctx, cfg.AWS, log)
	case config.ProviderAzure:
		return NewAzure(cfg.Azure, log)
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unrecognized storage provider %q", cfg.Provider), nil)
	}
}

// cleanKey normalizes a storage key: forward slashes, no leading slash, no
// parent traversal.
func cleanKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}
