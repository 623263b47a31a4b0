package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mykhaliev/device-validator/auth"
	"github.com/mykhaliev/device-validator/logger"
)

// Authorizer is the authorization lookup the gate consults.
type Authorizer interface {
	IsAuthorized(ctx context.Context, invocationName, userID string) (string, error)
}

// UnauthorizedMessage is the error text reported when a skill is denied.
func UnauthorizedMessage(label string) string {
	return fmt.Sprintf("Unauthorized to test %q: the user is not allowed to access this skill, please verify your Bespoken user id", label)
}

// UnauthorizedError is returned by the gate when the service explicitly
// denied access. A check that could not be performed returns the transport
// error instead.
type UnauthorizedError struct {
	Label string
	Cause error
}

func (e *UnauthorizedError) Error() string {
	return UnauthorizedMessage(e.Label)
}

func (e *UnauthorizedError) Unwrap() error {
	return e.Cause
}

// Gate runs the authorization pre-check once per sequence.
type Gate struct {
	authorizer Authorizer
	userID     string
}

func NewGate(authorizer Authorizer, userID string) *Gate {
	return &Gate{authorizer: authorizer, userID: userID}
}

func (g *Gate) CheckAuth(ctx context.Context, label string) (string, error) {
	reply, err := g.authorizer.IsAuthorized(ctx, label, g.userID)
	if err != nil {
		var denied *auth.DeniedError
		if errors.As(err, &denied) {
			logger.Logger.Error("Authorization denied", "invocation_name", label, "status", denied.StatusCode)
			return "", &UnauthorizedError{Label: label, Cause: err}
		}
		logger.Logger.Error("Authorization check failed", "invocation_name", label, "error", err)
		return "", err
	}
	logger.Logger.Debug("Authorization granted", "invocation_name", label, "reply", reply)
	return reply, nil
}
