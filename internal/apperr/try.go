package apperr

import "go.uber.org/zap"

// Try runs a best-effort step. The step's failure is logged under name and
// never propagated, so side work (compensations, notifications, artifact
// rendering) cannot fail the primary request.
func Try(log *zap.Logger, name string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("best-effort step failed",
			zap.String("step", name),
			zap.Error(err))
	}
}
