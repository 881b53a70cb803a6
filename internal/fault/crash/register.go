package crash

import (
	"cluster-modelcheck/internal/cluster"
	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
	"cluster-modelcheck/internal/registry"
)

func init() {
	registry.RegisterFault(ModelName, func(mgr *cluster.Manager, cfg *config.Config, logger *logging.Logger) (engine.FaultModel, error) {
		return New(mgr, logger), nil
	})
}
