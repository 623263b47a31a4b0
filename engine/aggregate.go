package engine

import (
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/device-validator/model"
)

// Aggregate rolls step outcomes up into a run result. Order is preserved and
// the run succeeds only if every step did; no steps means success.
func Aggregate(items []model.ResultItem) model.ValidatorResult {
	tests := make([]model.ResultItem, len(items))
	copy(tests, items)

	failed := slices.Filter(tests, func(item model.ResultItem) bool {
		return !item.Passed()
	})

	result := model.ResultSuccess
	if len(failed) > 0 {
		result = model.ResultFailure
	}
	return model.ValidatorResult{Result: result, Tests: tests}
}
