package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mykhaliev/device-validator/model"
	"github.com/stretchr/testify/mock"
)

func str(s string) *string {
	return &s
}

type reply struct {
	actual *model.ActualResult
	err    error
}

type pollReply struct {
	results []model.ActualResult
	err     error
}

// fakeDevice answers from canned replies and records every call.
type fakeDevice struct {
	replies  map[string]reply
	batch    func(messages []model.Message) (*model.BatchResult, error)
	polls    []pollReply
	resetErr error

	calls    []string
	sessions []model.Session
	messages [][]model.Message
	pollN    int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{replies: map[string]reply{}}
}

func (d *fakeDevice) on(input, transcript string) *fakeDevice {
	d.replies[input] = reply{actual: &model.ActualResult{Transcript: str(transcript)}}
	return d
}

func (d *fakeDevice) fail(input string, err error) *fakeDevice {
	d.replies[input] = reply{err: err}
	return d
}

func (d *fakeDevice) Message(_ context.Context, text string, opts model.MessageOptions) (*model.ActualResult, error) {
	d.calls = append(d.calls, "message:"+text)
	d.sessions = append(d.sessions, opts.Session)
	r, ok := d.replies[text]
	if !ok {
		return nil, errors.New("no reply configured for " + text)
	}
	return r.actual, r.err
}

func (d *fakeDevice) BatchMessage(_ context.Context, messages []model.Message, opts model.MessageOptions) (*model.BatchResult, error) {
	d.calls = append(d.calls, "batch")
	d.sessions = append(d.sessions, opts.Session)
	d.messages = append(d.messages, messages)
	if d.batch != nil {
		return d.batch(messages)
	}
	results := make([]model.ActualResult, 0, len(messages))
	for _, m := range messages {
		r := d.replies[m.Text]
		if r.actual != nil {
			results = append(results, *r.actual)
		} else {
			results = append(results, model.ActualResult{})
		}
	}
	return &model.BatchResult{Results: results}, nil
}

func (d *fakeDevice) ConversationResults(_ context.Context, conversationID string) ([]model.ActualResult, error) {
	d.calls = append(d.calls, "poll:"+conversationID)
	if d.pollN >= len(d.polls) {
		return nil, errors.New("unexpected poll")
	}
	r := d.polls[d.pollN]
	d.pollN++
	return r.results, r.err
}

func (d *fakeDevice) ResetSession(_ context.Context, session model.Session) error {
	d.calls = append(d.calls, "reset:"+session.Label)
	return d.resetErr
}

// mockAuthorizer is a testify mock of the authorization service.
type mockAuthorizer struct {
	mock.Mock
}

func (m *mockAuthorizer) IsAuthorized(ctx context.Context, invocationName, userID string) (string, error) {
	args := m.Called(ctx, invocationName, userID)
	return args.String(0), args.Error(1)
}

// recordWaits returns a WaitFunc that never sleeps.
func recordWaits() (WaitFunc, *[]time.Duration) {
	var waits []time.Duration
	return func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}, &waits
}
