// Package proxy provides a location-transparent RPC client whose binding to
// a concrete service instance self-heals.
//
// Proxy implements grpc.ClientConnInterface, so any generated gRPC client
// stub constructed over it transparently gains fail-over: when the bound
// instance's registration disappears, a replacement is resolved in the
// background and swapped in on the next call.
package proxy

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/techresidents/svccore/coordinator"
	"github.com/techresidents/svccore/registrar"
)

// ErrServiceUnavailable is the single error surfaced for every transport
// failure and for calls made while no instance is resolvable. The underlying
// transport error is logged, never returned, so callers depend on one error
// type regardless of transport.
var ErrServiceUnavailable = errors.New("service unavailable", j.C("ERR_e82d15f9c3064a7b"))

// Conn is an open RPC connection to one service instance.
type Conn interface {
	grpc.ClientConnInterface
	Close() error
}

// DialFunc opens a connection to target in host:port form.
type DialFunc func(ctx context.Context, target string) (Conn, error)

func grpcDial(ctx context.Context, target string) (Conn, error) {
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "dial", j.KV("target", target))
	}
	return conn, nil
}

// NopLocker is a no-op sync.Locker for single-threaded cooperative
// deployments, where a watch callback cannot preempt a caller mid-critical
// section. It keeps the staged/active handoff uniform across concurrency
// models.
type NopLocker struct{}

func (NopLocker) Lock()   {}
func (NopLocker) Unlock() {}

type options struct {
	dial         DialFunc
	keepalive    bool
	hostAffinity bool
	dialTimeout  time.Duration
	locker       sync.Locker
	log          coordinator.Logger
}

// Option configures a Proxy.
type Option func(*options)

// WithDial overrides how connections are opened. The default dials gRPC
// without transport security.
func WithDial(dial DialFunc) Option {
	return func(o *options) {
		o.dial = dial
	}
}

// WithKeepalive keeps the connection open between calls. Without it each call
// dials its own connection and closes it afterwards, bounding resource usage
// at the cost of throughput.
func WithKeepalive() Option {
	return func(o *options) {
		o.keepalive = true
	}
}

// WithHostAffinity prefers instances on the local host when resolving.
func WithHostAffinity() Option {
	return func(o *options) {
		o.hostAffinity = true
	}
}

// WithLocker substitutes the mutex guarding the staged/active slots, most
// usefully with NopLocker under cooperative scheduling.
func WithLocker(l sync.Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// WithLogger overrides the default jettison logger.
func WithLogger(l coordinator.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// binding ties a resolved instance to its registration node and, in
// keepalive mode, an open connection.
type binding struct {
	path   string
	target string
	conn   Conn
}

// Proxy is a fail-over RPC client bound to one instance of a service.
//
// The registry watch runs on its own goroutine and never swaps the active
// binding directly: a replacement is staged under the lock and swapped in at
// the start of the next call, so an in-flight call's state is never torn.
type Proxy struct {
	coord   coordinator.Coordinator
	reg     *registrar.Registrar
	service string
	options options

	cancel   context.CancelFunc
	finished chan struct{}

	lock   sync.Locker
	active *binding
	staged *binding
}

var _ grpc.ClientConnInterface = (*Proxy)(nil)

// New resolves an instance of the named service and starts watching its
// registry path. A proxy with no resolvable instance is still returned; its
// calls fail with ErrServiceUnavailable until an instance registers.
func New(coord coordinator.Coordinator, service string, opts ...Option) *Proxy {
	o := options{
		dial:        grpcDial,
		dialTimeout: 5 * time.Second,
		locker:      new(sync.Mutex),
		log:         coordinator.JLogger{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		coord:    coord,
		reg:      registrar.New(coord, registrar.WithLogger(o.log)),
		service:  service,
		options:  o,
		cancel:   cancel,
		finished: make(chan struct{}),
		lock:     o.locker,
	}

	p.lock.Lock()
	p.active = p.resolve(ctx)
	p.lock.Unlock()

	go p.watch(ctx)
	return p
}

// Close stops the registry watch and closes any open connections.
func (p *Proxy) Close() error {
	p.cancel()
	<-p.finished
	p.reg.Close()

	p.lock.Lock()
	active, staged := p.active, p.staged
	p.active, p.staged = nil, nil
	p.lock.Unlock()

	for _, b := range []*binding{active, staged} {
		if b == nil || b.conn == nil {
			continue
		}
		if err := b.conn.Close(); err != nil {
			return errors.Wrap(err, "close connection")
		}
	}
	return nil
}

// Invoke forwards a unary RPC to the bound instance, swapping in a staged
// replacement first if the watch prepared one.
func (p *Proxy) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	b, err := p.bind()
	if err != nil {
		return err
	}

	conn, transient, err := p.connect(ctx, b)
	if err != nil {
		return err
	}
	if transient {
		defer func() {
			_ = conn.Close()
		}()
	}

	err = conn.Invoke(ctx, method, args, reply, opts...)
	if err != nil {
		p.connFailed(ctx, b, conn, err)
		return errors.Wrap(ErrServiceUnavailable, "", j.MKV{
			"service": p.service,
			"method":  method,
		})
	}
	return nil
}

// NewStream forwards a streaming RPC to the bound instance. The connection is
// left open for the stream's lifetime even without keepalive.
func (p *Proxy) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	b, err := p.bind()
	if err != nil {
		return nil, err
	}

	conn, _, err := p.connect(ctx, b)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(ctx, desc, method, opts...)
	if err != nil {
		p.connFailed(ctx, b, conn, err)
		return nil, errors.Wrap(ErrServiceUnavailable, "", j.MKV{
			"service": p.service,
			"method":  method,
		})
	}
	return stream, nil
}

// Target returns the address of the currently bound instance, or false if no
// instance is bound.
func (p *Proxy) Target() (string, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.active == nil {
		return "", false
	}
	return p.active.target, true
}

// bind swaps any staged binding into the active slot and returns the active
// binding. This is the caller-driven half of the staged/active handoff.
func (p *Proxy) bind() (*binding, error) {
	p.lock.Lock()
	if p.staged != nil {
		if p.active != nil && p.active.conn != nil {
			_ = p.active.conn.Close()
		}
		p.active = p.staged
		p.staged = nil
	}
	b := p.active
	p.lock.Unlock()

	if b == nil {
		unavailable.WithLabelValues(p.service).Inc()
		return nil, errors.Wrap(ErrServiceUnavailable, "", j.KV("service", p.service))
	}
	return b, nil
}

// connect returns a connection for the call. Without keepalive each call gets
// its own transient connection; with keepalive the binding's connection is
// reused, dialling lazily after a failure closed it.
func (p *Proxy) connect(ctx context.Context, b *binding) (conn Conn, transient bool, err error) {
	if !p.options.keepalive {
		conn, err := p.options.dial(ctx, b.target)
		if err != nil {
			p.options.log.Error(ctx, errors.Wrap(err, "proxy dial", j.KV("target", b.target)))
			unavailable.WithLabelValues(p.service).Inc()
			return nil, false, errors.Wrap(ErrServiceUnavailable, "", j.KV("service", p.service))
		}
		return conn, true, nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if b.conn == nil {
		conn, err := p.options.dial(ctx, b.target)
		if err != nil {
			p.options.log.Error(ctx, errors.Wrap(err, "proxy dial", j.KV("target", b.target)))
			unavailable.WithLabelValues(p.service).Inc()
			return nil, false, errors.Wrap(ErrServiceUnavailable, "", j.KV("service", p.service))
		}
		b.conn = conn
	}
	return b.conn, false, nil
}

// connFailed closes the failed connection and logs the transport error that
// is about to be normalized away.
func (p *Proxy) connFailed(ctx context.Context, b *binding, conn Conn, err error) {
	unavailable.WithLabelValues(p.service).Inc()
	p.options.log.Error(ctx, errors.Wrap(err, "proxy call failed", j.MKV{
		"service": p.service,
		"target":  b.target,
	}))

	_ = conn.Close()
	p.lock.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	p.lock.Unlock()
}

// watch observes the service's registry path. It runs on the coordinator
// watch goroutine, so it only ever stages a replacement; the swap happens on
// the next call.
func (p *Proxy) watch(ctx context.Context) {
	defer close(p.finished)
	base := registrar.RegistryPath(p.service)
	for snap := range p.coord.WatchChildren(ctx, base) {
		p.checkBinding(ctx, base, snap)
	}
}

func (p *Proxy) checkBinding(ctx context.Context, base string, snap map[string][]byte) {
	present := make(map[string]bool, len(snap))
	for name := range snap {
		present[path.Join(base, name)] = true
	}

	p.lock.Lock()
	active, staged := p.active, p.staged
	p.lock.Unlock()

	if active != nil && present[active.path] {
		return
	}
	if staged != nil && present[staged.path] {
		return
	}

	b := p.resolve(ctx)
	if b == nil {
		// Nothing to fail over to; calls report unavailable until the next
		// registry change.
		return
	}

	p.lock.Lock()
	if p.staged != nil && p.staged.conn != nil {
		_ = p.staged.conn.Close()
	}
	p.staged = b
	p.lock.Unlock()

	failovers.WithLabelValues(p.service).Inc()
	p.options.log.Info(ctx, "proxy staged replacement instance", j.MKV{
		"service": p.service,
		"target":  b.target,
	})
}

// resolve locates a live instance and prepares a binding for it. In keepalive
// mode the connection is opened here, off the caller's path; a dial failure
// leaves the binding connectionless for a lazy retry at call time.
func (p *Proxy) resolve(ctx context.Context) *binding {
	reg, err := p.reg.LocateRegistration(ctx, p.service, p.options.hostAffinity)
	if err != nil {
		// NoReturnErr: Treated as no instance available.
		p.options.log.Error(ctx, errors.Wrap(err, "proxy resolve", j.KV("service", p.service)))
		return nil
	}
	if reg == nil {
		return nil
	}

	ep, ok := reg.Info.FirstEndpoint()
	if !ok {
		p.options.log.Error(ctx, errors.New("registration without endpoints", j.MKV{
			"service": p.service,
			"node":    reg.Path,
		}))
		return nil
	}
	host := ep.Address
	if host == "" {
		host = reg.Info.Hostname
	}
	b := &binding{
		path:   reg.Path,
		target: fmt.Sprintf("%s:%d", host, ep.Port),
	}

	if p.options.keepalive {
		dctx, cancel := context.WithTimeout(ctx, p.options.dialTimeout)
		defer cancel()
		conn, err := p.options.dial(dctx, b.target)
		if err != nil {
			// NoReturnErr: Dial lazily on the next call instead.
			p.options.log.Error(ctx, errors.Wrap(err, "proxy dial", j.KV("target", b.target)))
		} else {
			b.conn = conn
		}
	}
	return b
}
