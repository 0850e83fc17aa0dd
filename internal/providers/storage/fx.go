package storage

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/config"
)

// NewProvider picks the MinIO backend when an endpoint is configured.
func NewProvider(log *zap.Logger, cfg config.Config) (Provider, error) {
	if cfg.Storage.Endpoint == "" {
		return NewNoopProvider(log), nil
	}
	return NewMinioProvider(log, cfg)
}

var Module = fx.Module("storage",
	fx.Provide(NewProvider),
)
