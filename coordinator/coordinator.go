// Package coordinator defines the contract svccore requires from the
// coordination service backing service discovery and hashring membership.
//
// The coordination service is modelled as a tree of nodes, each addressed by a
// slash-separated path and carrying an opaque payload. Nodes created through a
// Coordinator are ephemeral: they are tied to the coordinator session and are
// removed automatically when the session ends. Session liveness is therefore
// the only failure detector svccore relies on; a missing node is authoritative
// evidence that its owner is gone.
package coordinator

import (
	"context"

	"github.com/luno/jettison"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
)

var (
	// ErrNodeExists is returned by CreateEphemeral when another session
	// already owns a node at the requested path.
	ErrNodeExists = errors.New("node already exists", j.C("ERR_9b2f04c1a7e85d36"))

	// ErrNoNode is returned when a node is absent at the requested path.
	ErrNoNode = errors.New("no such node", j.C("ERR_5e1d8f72c40ab9e3"))

	// ErrNotConnected is returned for operations attempted without an
	// established coordinator session.
	ErrNotConnected = errors.New("coordinator not connected", j.C("ERR_03ca67d1f58e2b49"))
)

// State is the coordinator session state as seen by this process.
type State int

const (
	// StateDisconnected means the connection to the coordinator is lost but
	// the session may still be alive on the server side.
	StateDisconnected State = iota

	// StateConnected means a session is established.
	StateConnected

	// StateExpired means the previous session has been terminated by the
	// coordinator and all ephemeral nodes it owned have been purged.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// SessionObserver is invoked on every session state transition. Observers are
// called from the coordinator's session goroutine and must not block beyond
// lightweight re-registration work.
type SessionObserver func(State)

// Coordinator is the watched-membership primitive used by the registrar and
// the service hashring. Implementations must distinguish ErrNodeExists and
// ErrNoNode so that callers can treat collisions and absent nodes explicitly.
type Coordinator interface {
	// CreateEphemeral creates a node at path, bound to the current session.
	// Returns ErrNodeExists if another session holds the path and
	// ErrNotConnected if there is no session.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// Delete removes the node at path. Returns ErrNoNode if absent.
	Delete(ctx context.Context, path string) error

	// Children returns the direct children of path as a map of child name to
	// payload. A path with no children yields an empty map, not an error.
	Children(ctx context.Context, path string) (map[string][]byte, error)

	// WatchChildren delivers snapshots of the children of path, starting with
	// the current state, until ctx is cancelled. Rapid successive changes may
	// be coalesced into a single snapshot; each delivered snapshot is
	// internally consistent.
	WatchChildren(ctx context.Context, path string) <-chan map[string][]byte

	// SubscribeSession registers an observer for session state transitions
	// and returns a function that unsubscribes it.
	SubscribeSession(fn SessionObserver) func()

	// Connected reports whether a session is currently established.
	Connected() bool
}

// Logger is the logging interface used throughout svccore. The zero-config
// default logs via jettison; NopLogger silences a component.
type Logger interface {
	Debug(ctx context.Context, msg string, opts ...jettison.Option)
	Info(ctx context.Context, msg string, opts ...jettison.Option)
	Error(ctx context.Context, err error, opts ...jettison.Option)
}

// NopLogger is a Logger that discards everything.
type NopLogger struct{}

func (NopLogger) Debug(context.Context, string, ...jettison.Option) {}
func (NopLogger) Info(context.Context, string, ...jettison.Option)  {}
func (NopLogger) Error(context.Context, error, ...jettison.Option)  {}

// JLogger logs through jettison's structured logger.
type JLogger struct{}

func (JLogger) Debug(ctx context.Context, msg string, opts ...jettison.Option) {
	opts = append(opts, log.WithLevel(log.LevelDebug))
	log.Info(ctx, msg, opts...)
}

func (JLogger) Info(ctx context.Context, msg string, opts ...jettison.Option) {
	log.Info(ctx, msg, opts...)
}

func (JLogger) Error(ctx context.Context, err error, opts ...jettison.Option) {
	log.Error(ctx, err, opts...)
}
