package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
)

// Observer is notified of every finished step, in order.
type Observer func(item model.ResultItem)

// Validator executes sequences against one virtual device. It is not safe for
// concurrent use; run independent validators instead.
type Validator struct {
	device     Device
	source     ResultSource
	gate       *Gate
	comparator *model.Comparator
	observer   Observer
}

type Option func(*Validator)

// WithGate enables the authorization pre-check for every sequence.
func WithGate(g *Gate) Option {
	return func(v *Validator) { v.gate = g }
}

func WithComparator(c *model.Comparator) Option {
	return func(v *Validator) { v.comparator = c }
}

func WithObserver(o Observer) Option {
	return func(v *Validator) { v.observer = o }
}

func NewValidator(dev Device, source ResultSource, opts ...Option) *Validator {
	v := &Validator{
		device:     dev,
		source:     source,
		comparator: model.NewComparator(true),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run executes the sequences in order and returns one result item per test.
// Step failures are recorded in the result; an authorization failure, or a
// context cancelled between sequences, aborts the run with an error.
func (v *Validator) Run(ctx context.Context, sequences []model.Sequence) (*model.ValidatorResult, error) {
	items := make([]model.ResultItem, 0, model.TotalTests(sequences))

	for i, seq := range sequences {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run stopped before sequence %d: %w", i+1, err)
		}

		if v.gate != nil {
			if _, err := v.gate.CheckAuth(ctx, seq.InvocationName); err != nil {
				return nil, err
			}
		}

		logger.Logger.Info("Starting sequence",
			"invocation_name", seq.InvocationName,
			"index", i+1,
			"total", len(sequences),
			"tests", len(seq.Tests))

		// a started sequence always runs to completion, reset included
		seqItems := v.runSequence(context.WithoutCancel(ctx), i, seq)
		items = append(items, seqItems...)

		passed, failed := countItems(seqItems)
		logger.Logger.Info("Sequence completed",
			"invocation_name", seq.InvocationName,
			"passed", passed,
			"failed", failed)
	}

	result := Aggregate(items)
	return &result, nil
}

func (v *Validator) runSequence(ctx context.Context, index int, seq model.Sequence) []model.ResultItem {
	tests := sortedTests(seq.Tests)
	items := make([]model.ResultItem, len(tests))
	done := make([]bool, len(tests))
	for i, test := range tests {
		items[i] = model.NewResultItem(test)
	}

	session := model.Session{Label: seq.InvocationName, Index: index, Fresh: true}

	if len(tests) > 0 {
		v.source.ObtainResults(ctx, v.device, tests, session, func(i int, actual *model.ActualResult, err error) {
			if i < 0 || i >= len(items) || done[i] {
				logger.Logger.Warn("Ignoring unexpected step result", "invocation_name", seq.InvocationName, "index", i)
				return
			}
			done[i] = true
			v.complete(&items[i], actual, err)
		})
	}

	// every test yields an item even if the source skipped it
	for i := range items {
		if !done[i] {
			v.complete(&items[i], nil, ErrNoResult)
		}
	}

	if err := v.device.ResetSession(ctx, session); err != nil {
		logger.Logger.Warn("Session reset failed", "invocation_name", seq.InvocationName, "error", err)
	}

	return items
}

func (v *Validator) complete(item *model.ResultItem, actual *model.ActualResult, err error) {
	verdict := v.comparator.Compare(item.Test, actual, err)

	item.Status = model.StatusDone
	item.Result = verdict.Result
	item.Errors = verdict.Errors
	item.Actual = actual
	if err != nil {
		item.Error = err.Error()
		logger.Logger.Warn("Step could not be executed",
			"input", item.Test.Input,
			"sequence", item.Test.Sequence,
			"error", err)
	} else if verdict.Passed() {
		logger.Logger.Info("Step passed", "input", item.Test.Input, "sequence", item.Test.Sequence)
	} else {
		logger.Logger.Warn("Step failed",
			"input", item.Test.Input,
			"sequence", item.Test.Sequence,
			"mismatches", len(verdict.Errors))
	}

	if v.observer != nil {
		v.observer(*item)
	}
}

// sortedTests orders tests by their sequence index; ties keep script order.
func sortedTests(tests []model.Test) []model.Test {
	sorted := make([]model.Test, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})
	return sorted
}

func countItems(items []model.ResultItem) (passed, failed int) {
	r := model.ValidatorResult{Tests: items}
	return r.Counts()
}
