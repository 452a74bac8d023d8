// Package pipeline supervises the controller's long-running background
// services under a suture/v4 tree, restarting any of them that exits
// unexpectedly while a session is active. The controller registers one
// such service, the storage poll; capture and audio capture run outside
// the tree. It plays the same role the teacher's hand-rolled
// internal/supervisor package played, adapted onto suture's supervision
// primitives instead of a bespoke restart loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service matches suture's service contract: Serve blocks until ctx is
// cancelled or the service fails, returning a non-nil error in the
// latter case so the supervisor knows to restart it.
type Service interface {
	Serve(ctx context.Context) error
}

// funcService adapts a plain function plus a name into a suture
// Service, mirroring the teacher's pattern of registering named
// services without requiring every caller to define its own type.
type funcService struct {
	name string
	fn   func(ctx context.Context) error
}

func (s *funcService) Serve(ctx context.Context) error { return s.fn(ctx) }
func (s *funcService) String() string                  { return s.name }

// FuncService builds a Service from a name and a run function, for
// services that don't otherwise need their own type.
func FuncService(name string, fn func(ctx context.Context) error) Service {
	return &funcService{name: name, fn: fn}
}

// Supervisor wraps a suture.Supervisor, restarting registered services
// (the controller's storage poll) with backoff if they exit on their
// own while the session is active. A clean Stop (ctx cancellation) is not treated
// as a failure requiring restart — suture distinguishes the two via the
// context's own cancellation.
type Supervisor struct {
	log *slog.Logger
	sup *suture.Supervisor
}

// New constructs a Supervisor named for logging/debugging purposes.
func New(log *slog.Logger, name string) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	sup := suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("pipeline supervisor event", "event", e.String())
		},
		FailureThreshold: 5,
		FailureBackoff:   2 * time.Second,
	})
	return &Supervisor{log: log, sup: sup}
}

// Add registers a service. It can be called before or after ServeBackground.
func (s *Supervisor) Add(svc Service) suture.ServiceToken {
	return s.sup.Add(svc)
}

// AddFunc is a convenience wrapper combining FuncService and Add.
func (s *Supervisor) AddFunc(name string, fn func(ctx context.Context) error) suture.ServiceToken {
	return s.Add(FuncService(name, fn))
}

// Remove stops and unregisters a previously added service.
func (s *Supervisor) Remove(token suture.ServiceToken) error {
	if err := s.sup.Remove(token); err != nil {
		return fmt.Errorf("pipeline: remove service: %w", err)
	}
	return nil
}

// ServeBackground starts the supervision tree and returns a channel
// that's closed once the tree stops (i.e. ctx is cancelled). The
// caller should cancel ctx to stop every supervised service and wait
// on the returned channel to know the tree has fully unwound.
func (s *Supervisor) ServeBackground(ctx context.Context) <-chan error {
	return s.sup.ServeBackground(ctx)
}

// Serve runs the supervision tree until ctx is cancelled, blocking the
// caller. Used when the caller already manages its own goroutine for
// the pipeline.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}
