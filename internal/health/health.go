package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pinger is implemented by every ledger backend, the Redis client wrapper and the DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Dependency names a readiness dependency.
type Dependency struct {
	Name   string
	Pinger Pinger
}

// ReadyCheck pings every dependency and joins the failures.
func ReadyCheck(ctx context.Context, deps ...Dependency) error {
	var errs []error
	for _, dep := range deps {
		if dep.Pinger == nil {
			errs = append(errs, fmt.Errorf("%s: not initialized", dep.Name))
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := dep.Pinger.Ping(pingCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dep.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Checker returns a readiness func suitable for observability.Start and the API.
func Checker(deps ...Dependency) func(context.Context) error {
	return func(ctx context.Context) error {
		return ReadyCheck(ctx, deps...)
	}
}
