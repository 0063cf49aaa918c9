// Package hashring partitions work across dynamically joining and leaving
// service instances using a consistent hashring stored in the coordination
// service.
//
// Each occupied position is an ephemeral node at
// /services/<name>/hashring/<token-hex> whose payload is a JSON map of
// routing metadata. Positions vanish with their owner's session, so ring
// membership tracks process liveness without explicit heartbeating.
package hashring

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/techresidents/svccore/coordinator"
)

const collisionRetries = 5

type options struct {
	positions []Token
	data      map[string]string
	log       coordinator.Logger
}

// Option configures a ServiceHashring.
type Option func(*options)

// WithPositions sets explicit ring positions to occupy. Without this option a
// single random position is used. A colliding position is silently replaced
// with a random one.
func WithPositions(tokens ...Token) Option {
	return func(o *options) {
		o.positions = tokens
	}
}

// WithPositionData sets additional key/values stored with each position node.
// The service name is always included under the "service" key.
func WithPositionData(data map[string]string) Option {
	return func(o *options) {
		o.data = data
	}
}

// WithLogger overrides the default jettison logger.
func WithLogger(l coordinator.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// ServiceHashring binds the ring algebra to live membership data from the
// coordination service and manages this process's own positions.
//
// It serves both services occupying positions and pure observers routing
// requests. The local ring view is a cached copy maintained by a children
// watch; the coordination service remains the single source of truth.
type ServiceHashring struct {
	coord   coordinator.Coordinator
	name    string
	path    string
	options options
	payload []byte

	mu          sync.Mutex
	started     bool
	connected   bool
	cancel      context.CancelFunc
	finished    chan struct{}
	unsubscribe func()
	registered  []Token
	snapshot    Ring
	observers   map[int]Observer
	nextObs     int
}

// New returns an unstarted hashring for the named service.
func New(coord coordinator.Coordinator, service string, opts ...Option) *ServiceHashring {
	o := options{log: coordinator.JLogger{}}
	for _, opt := range opts {
		opt(&o)
	}

	data := map[string]string{DataService: service}
	for k, v := range o.data {
		data[k] = v
	}
	payload, err := json.Marshal(data)
	if err != nil {
		// A map[string]string always marshals.
		panic(err)
	}

	return &ServiceHashring{
		coord:     coord,
		name:      service,
		path:      path.Join("/services", service, "hashring"),
		options:   o,
		payload:   payload,
		observers: make(map[int]Observer),
	}
}

// ServiceName returns the name of the service the ring belongs to.
func (h *ServiceHashring) ServiceName() string {
	return h.name
}

// Start begins watching the ring and, once a coordinator session is
// available, occupies this instance's positions. Start is idempotent while
// the hashring is running.
func (h *ServiceHashring) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.started = true
	h.cancel = cancel
	h.finished = make(chan struct{})
	h.mu.Unlock()

	snapshots := h.coord.WatchChildren(ctx, h.path)
	go func() {
		defer close(h.finished)
		for snap := range snapshots {
			h.applySnapshot(ctx, snap)
		}
	}()

	// Subscription fires an immediate Connected if a session already exists,
	// which performs the initial position registration.
	h.unsubscribe = h.coord.SubscribeSession(func(s coordinator.State) {
		h.sessionChanged(ctx, s)
	})
}

// Stop stops the watch and releases this instance's positions. The position
// nodes are not deleted explicitly; ephemeral auto-removal handles them when
// the session ends.
func (h *ServiceHashring) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	unsub := h.unsubscribe
	cancel := h.cancel
	h.mu.Unlock()

	unsub()
	cancel()
}

// Join blocks until the watch goroutine has exited, or until timeout elapses
// if timeout is positive.
func (h *ServiceHashring) Join(timeout time.Duration) error {
	h.mu.Lock()
	finished := h.finished
	h.mu.Unlock()
	if finished == nil {
		return nil
	}
	if timeout <= 0 {
		<-finished
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.New("hashring join timeout", j.KV("service", h.name))
	}
}

// AddObserver registers fn for hashring events and returns a function that
// removes it again.
func (h *ServiceHashring) AddObserver(fn Observer) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextObs
	h.nextObs++
	h.observers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.observers, id)
	}
}

// Hashring returns the last observed membership snapshot ordered ascending by
// token. While the coordinator session is down the snapshot is empty, never
// stale.
func (h *ServiceHashring) Hashring() []Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Node(nil), h.snapshot...)
}

// PreferenceList returns the distinct instances responsible for key over the
// current snapshot, most preferred first. See Ring.PreferenceList.
func (h *ServiceHashring) PreferenceList(key string, mergeHosts bool) []Node {
	h.mu.Lock()
	ring := h.snapshot
	h.mu.Unlock()
	return ring.PreferenceList(key, mergeHosts)
}

// FindNode returns the node responsible for key. It returns ErrEmptyRing when
// no instances are currently registered; this is surfaced to the caller, not
// swallowed.
func (h *ServiceHashring) FindNode(key string) (Node, error) {
	h.mu.Lock()
	ring := h.snapshot
	h.mu.Unlock()
	return ring.FindNode(key)
}

// Positions returns the tokens this instance currently holds.
func (h *ServiceHashring) Positions() []Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Token(nil), h.registered...)
}

func (h *ServiceHashring) sessionChanged(ctx context.Context, s coordinator.State) {
	if ctx.Err() != nil {
		// Stopped while the notification was in flight.
		return
	}
	switch s {
	case coordinator.StateConnected:
		h.mu.Lock()
		h.connected = true
		h.mu.Unlock()

		// Our positions are ephemeral and vanished with the old session.
		h.registerPositions(ctx)
		h.dispatch(Event{Type: EventConnected})

		// The watch only fires on changes, so rebuild the view explicitly in
		// case membership is unchanged since before the disconnect.
		snap, err := h.coord.Children(ctx, h.path)
		if err != nil {
			h.options.log.Error(ctx, errors.Wrap(err, "hashring refresh", j.KV("service", h.name)))
			return
		}
		h.applySnapshot(ctx, snap)

	case coordinator.StateDisconnected, coordinator.StateExpired:
		h.mu.Lock()
		alreadyDown := !h.connected
		h.connected = false
		prev := h.snapshot
		h.snapshot = nil
		h.mu.Unlock()

		if alreadyDown {
			return
		}
		ringSize.WithLabelValues(h.name).Set(0)
		h.dispatch(Event{Type: EventDisconnected})
		h.dispatch(Event{
			Type:     EventChanged,
			Previous: prev,
			Removed:  prev,
		})
	}
}

// registerPositions occupies the configured positions, substituting a fresh
// random token on collision. Registration failures are logged and left for
// the next reconnect; they must never block startup.
func (h *ServiceHashring) registerPositions(ctx context.Context) {
	tokens := append([]Token(nil), h.options.positions...)
	if len(tokens) == 0 {
		tokens = []Token{RandomToken()}
	}

	existing, err := h.coord.Children(ctx, h.path)
	if err != nil {
		// NoReturnErr: Proceed without the ownership check.
		h.options.log.Error(ctx, errors.Wrap(err, "list hashring positions"))
		existing = nil
	}

	var held []Token
	for _, token := range tokens {
		registered, err := h.registerPosition(ctx, token, existing)
		if err != nil {
			// NoReturnErr: Log and continue with the remaining positions.
			h.options.log.Error(ctx, errors.Wrap(err, "register hashring position",
				j.MKV{"service": h.name, "token": token.String()},
			))
			continue
		}
		held = append(held, registered)
	}

	h.mu.Lock()
	h.registered = held
	h.mu.Unlock()
}

func (h *ServiceHashring) registerPosition(ctx context.Context, token Token, existing map[string][]byte) (Token, error) {
	for attempt := 0; attempt < collisionRetries; attempt++ {
		if data, ok := existing[token.String()]; ok && string(data) == string(h.payload) {
			// Still registered from a previous connect.
			return token, nil
		}
		err := h.coord.CreateEphemeral(ctx, path.Join(h.path, token.String()), h.payload)
		if errors.Is(err, coordinator.ErrNodeExists) {
			// NoReturnErr: Another process holds this exact token. Collisions
			// are astronomically rare, so substitute silently.
			h.options.log.Debug(ctx, "hashring position collision",
				j.MKV{"service": h.name, "token": token.String()},
			)
			token = RandomToken()
			continue
		} else if err != nil {
			return Token{}, err
		}
		return token, nil
	}
	return Token{}, errors.New("hashring position collisions exhausted", j.KV("service", h.name))
}

func (h *ServiceHashring) applySnapshot(ctx context.Context, snap map[string][]byte) {
	nodes := make([]Node, 0, len(snap))
	for name, data := range snap {
		token, err := ParseToken(name)
		if err != nil {
			// NoReturnErr: Skip malformed position nodes.
			h.options.log.Error(ctx, errors.Wrap(err, "parse hashring position", j.KV("node", name)))
			continue
		}
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			// NoReturnErr: Skip undecodable position nodes.
			h.options.log.Error(ctx, errors.Wrap(err, "decode hashring position", j.KV("node", name)))
			continue
		}
		nodes = append(nodes, Node{Token: token, Data: m})
	}
	ring := NewRing(nodes)

	h.mu.Lock()
	if !h.connected {
		// A disconnected view reports empty until the session returns.
		h.mu.Unlock()
		return
	}
	prev := h.snapshot
	h.snapshot = ring
	h.mu.Unlock()

	added := diffNodes(ring, prev)
	removed := diffNodes(prev, ring)

	ringSize.WithLabelValues(h.name).Set(float64(len(ring)))
	if len(added) > 0 || len(removed) > 0 {
		ringChanges.WithLabelValues(h.name).Inc()
	}

	h.dispatch(Event{
		Type:     EventChanged,
		Previous: prev,
		Current:  ring,
		Added:    added,
		Removed:  removed,
	})
}

func (h *ServiceHashring) dispatch(ev Event) {
	h.mu.Lock()
	obs := make([]Observer, 0, len(h.observers))
	for _, fn := range h.observers {
		obs = append(obs, fn)
	}
	h.mu.Unlock()

	for _, fn := range obs {
		h.notifyOne(fn, ev)
	}
}

// notifyOne invokes a single observer, recovering panics so one bad observer
// cannot break others or the watch.
func (h *ServiceHashring) notifyOne(fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observerPanics.WithLabelValues(h.name).Inc()
			h.options.log.Error(context.Background(),
				errors.New("hashring observer panic", j.MKV{
					"service": h.name,
					"event":   ev.Type.String(),
					"panic":   r,
				}),
			)
		}
	}()
	fn(h, ev)
}
