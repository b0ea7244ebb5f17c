package catalog

import (
	"github.com/soulbridge/atelier/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig loads the catalog file named by the config, falling back
// to the built-in defaults when none is deployed. Validation failures
// abort startup so a missing cost entry never surfaces at request time.
func NewFromConfig(cfg config.Config, log *zap.Logger) (*Catalog, error) {
	if FileExists(cfg.CatalogPath) {
		c, err := LoadFile(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		log.Info("feature catalog loaded",
			zap.String("path", cfg.CatalogPath),
			zap.Strings("features", c.Features()),
			zap.Strings("tiers", c.Tiers()),
		)
		return c, nil
	}

	log.Warn("catalog file not found, using built-in defaults",
		zap.String("path", cfg.CatalogPath),
	)
	return Default()
}

// Module wires the feature/tier catalog.
var Module = fx.Module("catalog",
	fx.Provide(NewFromConfig),
)
