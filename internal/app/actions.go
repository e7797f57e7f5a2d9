package app

import (
	"context"

	"longrunner/internal/actions"
	"longrunner/internal/longrunner"
	logx "longrunner/pkg/logx"
)

// LogBatchName is a Batch that logs every ID it visits. Useful for smoke
// tests of a deployment and its storage.
const LogBatchName = "batch.log"

// defaultActions are registered on every app. The recount and addon actions
// run against in-memory backends until an embedder registers real ones
// under other names.
func defaultActions(log logx.Logger) []longrunner.Action {
	log = log.With(logx.String("action", LogBatchName))
	return []longrunner.Action{
		actions.NewBatch(LogBatchName, 0, func(_ context.Context, id string) error {
			log.Info("batch item", logx.String("id", id))
			return nil
		}),
		actions.NewRecount(actions.NewMemoryCounters(), 0),
		actions.NewAddonToggle(actions.NewMemoryAddons(), 0),
	}
}
