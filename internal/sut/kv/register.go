package kv

import (
	"cluster-modelcheck/internal/cluster"
	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
	"cluster-modelcheck/internal/registry"
)

func init() {
	registry.RegisterSystem(ModelName, func(mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) (engine.SystemModel, error) {
		return New(mgr, cfg, logger), nil
	})
}
