// Package registrar publishes and discovers service locations through the
// coordination service.
//
// A registration is an ephemeral node at
// /services/<name>/registry/<name>_<key> whose payload is the serialized
// ServiceInfo. The coordination service removes the node on session loss,
// which is how instance death is detected without heartbeat RPCs.
//
// Registration is deliberately forgiving about coordinator availability:
// attempts made while disconnected are queued and retried when the session is
// re-established, so callers never have to special-case startup races with
// the coordinator.
package registrar

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/techresidents/svccore/coordinator"
)

// ErrQueueFull means a deferred registration was dropped because the retry
// queue is at capacity. It is logged, never returned; Register reports the
// deferral either way.
var ErrQueueFull = errors.New("registration queue full, dropping", j.C("ERR_1a6c4f82d05b9e37"))

// DrainPolicy controls what happens to a queued registration that fails
// while the reconnect handler is draining the retry queue.
type DrainPolicy int

const (
	// DropOnFailure logs and drops the entry. Failures leave the instance
	// unregistered until it registers again, but a misbehaving coordinator
	// can never cause an unbounded retry storm.
	DropOnFailure DrainPolicy = iota

	// RequeueWithBackoff retries the entry with a delay between attempts and
	// puts it back on the queue if the attempts are exhausted, so the next
	// reconnect picks it up again.
	RequeueWithBackoff
)

type options struct {
	queueSize     int
	drainPolicy   DrainPolicy
	drainAttempts uint
	drainDelay    time.Duration
	hostname      string
	log           coordinator.Logger
}

// Option configures a Registrar.
type Option func(*options)

// WithQueueSize bounds the deferred-registration queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithDrainPolicy selects the behaviour for registrations that fail during a
// reconnect-triggered queue drain. The default is DropOnFailure.
func WithDrainPolicy(p DrainPolicy) Option {
	return func(o *options) {
		o.drainPolicy = p
	}
}

// WithDrainBackoff tunes the RequeueWithBackoff policy.
func WithDrainBackoff(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.drainAttempts = attempts
		o.drainDelay = delay
	}
}

// WithHostname overrides the local hostname used for host affinity.
func WithHostname(hostname string) Option {
	return func(o *options) {
		o.hostname = hostname
	}
}

// WithLogger overrides the default jettison logger.
func WithLogger(l coordinator.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize:     64,
		drainAttempts: 3,
		drainDelay:    time.Second,
		log:           coordinator.JLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hostname == "" {
		o.hostname, _ = os.Hostname()
	}
	return o
}

// Registration pairs a located ServiceInfo with its coordinator node path,
// letting the caller set a watch directly on the node.
type Registration struct {
	Path string
	Info *ServiceInfo
}

// Registrar registers, unregisters and locates service instances.
type Registrar struct {
	coord   coordinator.Coordinator
	options options

	queue chan *ServiceInfo

	mu          sync.Mutex
	registered  map[string]*ServiceInfo
	unsubscribe func()
}

// New returns a Registrar bound to coord. The registrar listens for session
// transitions until Close is called: reconnects drain the deferred queue and
// session expiry re-queues everything this instance had registered.
func New(coord coordinator.Coordinator, opts ...Option) *Registrar {
	o := buildOptions(opts)
	r := &Registrar{
		coord:      coord,
		options:    o,
		queue:      make(chan *ServiceInfo, o.queueSize),
		registered: make(map[string]*ServiceInfo),
	}
	r.unsubscribe = coord.SubscribeSession(r.sessionChanged)
	return r
}

// Close detaches the registrar from session notifications. Registered nodes
// are left to ephemeral auto-removal.
func (r *Registrar) Close() {
	r.unsubscribe()
}

// RegistryPath returns the coordinator path under which instances of the
// named service register.
func RegistryPath(service string) string {
	return path.Join("/services", service, "registry")
}

func nodePath(info *ServiceInfo) string {
	return path.Join(RegistryPath(info.Name), fmt.Sprintf("%s_%s", info.Name, info.Key))
}

// Register attempts to register the service instance. It returns true on
// success and false when registration was deferred: any failure, including
// not being connected to the coordinator, queues the registration for retry
// on the next reconnect rather than failing hard.
func (r *Registrar) Register(ctx context.Context, info *ServiceInfo) bool {
	err := r.register(ctx, info)
	if err != nil {
		// NoReturnErr: Defer the registration instead of failing the caller.
		r.options.log.Info(ctx, "service registration deferred", j.MKV{
			"service": info.Name,
			"key":     info.Key,
			"reason":  err.Error(),
		})
		r.enqueue(ctx, info)
		return false
	}
	return true
}

func (r *Registrar) register(ctx context.Context, info *ServiceInfo) error {
	if !r.coord.Connected() {
		return errors.Wrap(coordinator.ErrNotConnected, "")
	}
	data, err := info.ToJSON()
	if err != nil {
		return err
	}

	node := nodePath(info)
	err = r.coord.CreateEphemeral(ctx, node, data)
	if errors.Is(err, coordinator.ErrNodeExists) {
		// NoReturnErr: Already registered, idempotent.
		r.options.log.Debug(ctx, "service already registered", j.KV("service", info.Name))
	} else if err != nil {
		return err
	}

	r.mu.Lock()
	r.registered[node] = info
	r.mu.Unlock()

	registrations.WithLabelValues(info.Name).Inc()
	r.options.log.Info(ctx, "service registered", j.MKV{
		"service": info.Name,
		"key":     info.Key,
		"node":    node,
	})
	return nil
}

func (r *Registrar) enqueue(ctx context.Context, info *ServiceInfo) {
	select {
	case r.queue <- info:
		deferrals.WithLabelValues(info.Name).Inc()
	default:
		drops.WithLabelValues(info.Name).Inc()
		r.options.log.Error(ctx, errors.Wrap(ErrQueueFull, "",
			j.MKV{"service": info.Name, "key": info.Key},
		))
	}
}

// Unregister deletes the instance's registration node. An already absent
// node is treated as success.
func (r *Registrar) Unregister(ctx context.Context, info *ServiceInfo) error {
	node := nodePath(info)

	r.mu.Lock()
	delete(r.registered, node)
	r.mu.Unlock()

	err := r.coord.Delete(ctx, node)
	if errors.Is(err, coordinator.ErrNoNode) {
		// NoReturnErr: Already unregistered, idempotent.
		r.options.log.Debug(ctx, "service already unregistered", j.KV("service", info.Name))
		return nil
	} else if err != nil {
		return errors.Wrap(err, "unregister service", j.KV("service", info.Name))
	}
	return nil
}

// FindServices returns all live registrations of the named service,
// unordered. Undecodable registrations are skipped.
func (r *Registrar) FindServices(ctx context.Context, service string) ([]*ServiceInfo, error) {
	regs, err := r.FindRegistrations(ctx, service)
	if err != nil {
		return nil, err
	}
	ret := make([]*ServiceInfo, 0, len(regs))
	for _, reg := range regs {
		ret = append(ret, reg.Info)
	}
	return ret, nil
}

// FindRegistrations is FindServices with each result paired with its
// coordinator node path, for callers that want to watch the node.
func (r *Registrar) FindRegistrations(ctx context.Context, service string) ([]Registration, error) {
	base := RegistryPath(service)
	children, err := r.coord.Children(ctx, base)
	if err != nil {
		return nil, errors.Wrap(err, "list registrations", j.KV("service", service))
	}

	ret := make([]Registration, 0, len(children))
	for name, data := range children {
		info, err := FromJSON(data)
		if err != nil {
			// NoReturnErr: Skip registrations we cannot decode.
			r.options.log.Error(ctx, errors.Wrap(err, "decode registration", j.KV("node", name)))
			continue
		}
		ret = append(ret, Registration{Path: path.Join(base, name), Info: info})
	}
	return ret, nil
}

// Locate returns a live instance of the named service, or nil if none are
// registered. With hostAffinity, instances on the local host are preferred;
// the final choice is uniformly random among the candidates.
func (r *Registrar) Locate(ctx context.Context, service string, hostAffinity bool) (*ServiceInfo, error) {
	reg, err := r.LocateRegistration(ctx, service, hostAffinity)
	if err != nil || reg == nil {
		return nil, err
	}
	return reg.Info, nil
}

// LocateRegistration is Locate with the result paired with its coordinator
// node path.
func (r *Registrar) LocateRegistration(ctx context.Context, service string, hostAffinity bool) (*Registration, error) {
	regs, err := r.FindRegistrations(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(regs) == 0 {
		return nil, nil
	}

	if hostAffinity {
		var local []Registration
		for _, reg := range regs {
			if reg.Info.Hostname == r.options.hostname {
				local = append(local, reg)
			}
		}
		if len(local) > 0 {
			regs = local
		}
	}

	reg := regs[rand.Intn(len(regs))]
	return &reg, nil
}

func (r *Registrar) sessionChanged(s coordinator.State) {
	ctx := context.Background()
	switch s {
	case coordinator.StateConnected:
		r.drain(ctx)
	case coordinator.StateExpired:
		// Our ephemeral registrations have been purged; re-queue everything
		// we had registered so the reconnect handler restores them.
		r.mu.Lock()
		infos := make([]*ServiceInfo, 0, len(r.registered))
		for _, info := range r.registered {
			infos = append(infos, info)
		}
		r.mu.Unlock()

		for _, info := range infos {
			r.enqueue(ctx, info)
		}
	}
}

// drain retries every queued registration once per reconnect. Failures are
// handled per the configured DrainPolicy.
func (r *Registrar) drain(ctx context.Context) {
	for {
		select {
		case info := <-r.queue:
			r.drainOne(ctx, info)
		default:
			return
		}
	}
}

func (r *Registrar) drainOne(ctx context.Context, info *ServiceInfo) {
	if r.options.drainPolicy == DropOnFailure {
		if err := r.register(ctx, info); err != nil {
			// NoReturnErr: Dropped by policy.
			drops.WithLabelValues(info.Name).Inc()
			r.options.log.Error(ctx, errors.Wrap(err, "deferred registration failed, dropping",
				j.MKV{"service": info.Name, "key": info.Key},
			))
		}
		return
	}

	err := retry.Do(
		func() error {
			return r.register(ctx, info)
		},
		retry.Context(ctx),
		retry.Attempts(r.options.drainAttempts),
		retry.Delay(r.options.drainDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// NoReturnErr: Back on the queue for the next reconnect.
		r.options.log.Error(ctx, errors.Wrap(err, "deferred registration failed, re-queueing",
			j.MKV{"service": info.Name, "key": info.Key},
		))
		r.enqueue(ctx, info)
	}
}
