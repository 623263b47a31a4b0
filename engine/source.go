package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/device-validator/device"
	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
)

const (
	DefaultSessionIdle  = 8 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 60
)

var (
	// ErrNoResult marks a step the device returned nothing for.
	ErrNoResult = errors.New("no result returned for this step")

	// ErrResultsNotReady marks steps still missing when async polling gave up.
	ErrResultsNotReady = errors.New("async results not ready after polling")
)

// Device is the virtual device backend as seen by the validator.
type Device interface {
	Message(ctx context.Context, text string, opts model.MessageOptions) (*model.ActualResult, error)
	BatchMessage(ctx context.Context, messages []model.Message, opts model.MessageOptions) (*model.BatchResult, error)
	ConversationResults(ctx context.Context, conversationID string) ([]model.ActualResult, error)
	ResetSession(ctx context.Context, session model.Session) error
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// EmitFunc receives the outcome of the step at index. Exactly one of actual
// and err is set.
type EmitFunc func(index int, actual *model.ActualResult, err error)

// ResultSource obtains device results for the ordered tests of one sequence.
// Implementations call emit once per test index.
type ResultSource interface {
	ObtainResults(ctx context.Context, dev Device, tests []model.Test, session model.Session, emit EmitFunc)
}

// SourceConfig carries the settings every mode draws from.
type SourceConfig struct {
	Debug        bool
	StepDelay    time.Duration
	SessionIdle  time.Duration
	PollInterval time.Duration
	MaxPolls     int
	Wait         WaitFunc
}

// NewResultSource picks the strategy for mode.
func NewResultSource(mode model.Mode, cfg SourceConfig) (ResultSource, error) {
	if cfg.Wait == nil {
		cfg.Wait = sleepContext
	}
	switch mode {
	case model.ModeImmediate, "":
		return &ImmediateSource{Debug: cfg.Debug, StepDelay: cfg.StepDelay, Wait: cfg.Wait}, nil
	case model.ModeBatch:
		return &BatchSource{Debug: cfg.Debug}, nil
	case model.ModeAsync:
		src := &AsyncSource{
			Debug:        cfg.Debug,
			SessionIdle:  cfg.SessionIdle,
			PollInterval: cfg.PollInterval,
			MaxPolls:     cfg.MaxPolls,
			Wait:         cfg.Wait,
		}
		if src.PollInterval <= 0 {
			src.PollInterval = DefaultPollInterval
		}
		if src.MaxPolls <= 0 {
			src.MaxPolls = DefaultMaxPolls
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// ImmediateSource sends one request per step.
type ImmediateSource struct {
	Debug     bool
	StepDelay time.Duration
	Wait      WaitFunc
}

func (s *ImmediateSource) ObtainResults(ctx context.Context, dev Device, tests []model.Test, session model.Session, emit EmitFunc) {
	for i, test := range tests {
		if i > 0 && s.StepDelay > 0 {
			logger.Logger.Debug("Waiting before next step", "delay", s.StepDelay)
			_ = s.Wait(ctx, s.StepDelay)
		}
		step := session
		step.Fresh = session.Fresh && i == 0
		actual, err := dev.Message(ctx, test.Input, model.MessageOptions{
			Debug:   s.Debug,
			Phrases: test.Phrases,
			Session: step,
		})
		emit(i, actual, err)
	}
}

// BatchSource sends the whole sequence in one request and reads the results
// back by position.
type BatchSource struct {
	Debug bool
}

func (s *BatchSource) ObtainResults(ctx context.Context, dev Device, tests []model.Test, session model.Session, emit EmitFunc) {
	batch, err := dev.BatchMessage(ctx, toMessages(tests), model.MessageOptions{Debug: s.Debug, Session: session})
	if err != nil {
		emitAll(tests, 0, err, emit)
		return
	}
	emitResults(tests, batch.Results, ErrNoResult, emit)
}

// AsyncSource sends the sequence as an async batch, waits for the device
// session to go idle, then polls for the conversation results.
type AsyncSource struct {
	Debug        bool
	SessionIdle  time.Duration
	PollInterval time.Duration
	MaxPolls     int
	Wait         WaitFunc
}

func (s *AsyncSource) ObtainResults(ctx context.Context, dev Device, tests []model.Test, session model.Session, emit EmitFunc) {
	batch, err := dev.BatchMessage(ctx, toMessages(tests), model.MessageOptions{Debug: s.Debug, Session: session})
	if err != nil {
		emitAll(tests, 0, err, emit)
		return
	}
	if batch.ConversationID == "" {
		emitResults(tests, batch.Results, ErrNoResult, emit)
		return
	}

	logger.Logger.Debug("Waiting for device session to go idle",
		"conversation_id", batch.ConversationID,
		"idle", s.SessionIdle)
	_ = s.Wait(ctx, s.SessionIdle)

	var results []model.ActualResult
	missing := ErrResultsNotReady
	for poll := 1; poll <= s.MaxPolls; poll++ {
		fetched, err := dev.ConversationResults(ctx, batch.ConversationID)
		if err == nil {
			results = fetched
			if len(results) >= len(tests) {
				break
			}
		} else if !errors.Is(err, device.ErrConversationPending) {
			logger.Logger.Warn("Fetching conversation results failed",
				"conversation_id", batch.ConversationID,
				"poll", poll,
				"error", err)
			missing = err
			break
		}

		logger.Logger.Debug("Conversation results pending",
			"conversation_id", batch.ConversationID,
			"poll", poll,
			"max_polls", s.MaxPolls,
			"received", len(results),
			"expected", len(tests))
		if poll < s.MaxPolls {
			_ = s.Wait(ctx, s.PollInterval)
		}
	}

	emitResults(tests, results, missing, emit)
}

func toMessages(tests []model.Test) []model.Message {
	return slices.Map(tests, func(t model.Test) model.Message {
		return model.Message{Text: t.Input, Phrases: t.Phrases}
	})
}

func emitResults(tests []model.Test, results []model.ActualResult, missing error, emit EmitFunc) {
	for i := range tests {
		if i < len(results) {
			actual := results[i]
			emit(i, &actual, nil)
			continue
		}
		emitAll(tests, i, missing, emit)
		return
	}
}

func emitAll(tests []model.Test, from int, err error, emit EmitFunc) {
	for i := from; i < len(tests); i++ {
		emit(i, nil, err)
	}
}
