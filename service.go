package svccore

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/techresidents/svccore/coordinator"
	"github.com/techresidents/svccore/hashring"
	"github.com/techresidents/svccore/registrar"
)

type serviceOptions struct {
	hostname  string
	fqdn      string
	sharded   bool
	positions []hashring.Token
	ringData  map[string]string
	log       coordinator.Logger
	regOpts   []registrar.Option
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithHostname overrides the hostname advertised in the service's
// registration and ring positions.
func WithHostname(hostname, fqdn string) ServiceOption {
	return func(o *serviceOptions) {
		o.hostname = hostname
		o.fqdn = fqdn
	}
}

// WithSharding makes the service occupy hashring positions. With no explicit
// tokens a single random position is used.
func WithSharding(positions ...hashring.Token) ServiceOption {
	return func(o *serviceOptions) {
		o.sharded = true
		o.positions = positions
	}
}

// WithRingData adds service-specific key/values to the hashring position
// payload.
func WithRingData(data map[string]string) ServiceOption {
	return func(o *serviceOptions) {
		o.ringData = data
	}
}

// WithServiceLogger overrides the default jettison logger.
func WithServiceLogger(l coordinator.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.log = l
	}
}

// WithRegistrarOptions passes options through to the service's registrar.
func WithRegistrarOptions(opts ...registrar.Option) ServiceOption {
	return func(o *serviceOptions) {
		o.regOpts = append(o.regOpts, opts...)
	}
}

// Service is one process instance of a named service. Starting it publishes
// the instance in the registry and, for sharded services, occupies hashring
// positions; both survive coordinator session churn without intervention.
type Service struct {
	coord   coordinator.Coordinator
	info    *registrar.ServiceInfo
	reg     *registrar.Registrar
	ring    *hashring.ServiceHashring
	options serviceOptions

	mu      sync.Mutex
	running bool
}

// NewService describes a service instance. A fresh instance key is generated;
// it survives re-registration but not a process restart.
func NewService(coord coordinator.Coordinator, name, version, build string,
	servers []registrar.ServerInfo, opts ...ServiceOption,
) *Service {
	o := serviceOptions{log: coordinator.JLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hostname == "" {
		o.hostname = localHostname()
		o.fqdn = o.hostname
	}

	info := &registrar.ServiceInfo{
		Name:     name,
		Version:  version,
		Build:    build,
		Hostname: o.hostname,
		FQDN:     o.fqdn,
		Key:      registrar.NewKey(),
		Servers:  servers,
	}

	s := &Service{
		coord:   coord,
		info:    info,
		options: o,
	}

	if o.sharded {
		data := map[string]string{
			hashring.DataServiceKey: info.Key,
			hashring.DataHostname:   info.Hostname,
			hashring.DataFQDN:       info.FQDN,
		}
		if ep, ok := info.FirstEndpoint(); ok {
			data[hashring.DataPort] = strconv.Itoa(ep.Port)
		}
		for k, v := range o.ringData {
			data[k] = v
		}
		ringOpts := []hashring.Option{
			hashring.WithPositionData(data),
			hashring.WithLogger(o.log),
		}
		if len(o.positions) > 0 {
			ringOpts = append(ringOpts, hashring.WithPositions(o.positions...))
		}
		s.ring = hashring.New(coord, name, ringOpts...)
	}
	return s
}

// Info returns the instance's descriptive record.
func (s *Service) Info() *registrar.ServiceInfo {
	return s.info
}

// Hashring returns the service's hashring, or nil for unsharded services.
func (s *Service) Hashring() *hashring.ServiceHashring {
	return s.ring
}

// Start registers the instance and joins the hashring if sharded. A
// registration attempted while the coordinator is unreachable is deferred and
// completed on reconnect. Start is idempotent while running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	reg := registrar.New(s.coord, append([]registrar.Option{
		registrar.WithLogger(s.options.log),
		registrar.WithHostname(s.options.hostname),
	}, s.options.regOpts...)...)
	s.reg = reg
	s.mu.Unlock()

	if ok := reg.Register(ctx, s.info); !ok {
		s.options.log.Info(ctx, "service start with deferred registration",
			j.KV("service", s.info.Name))
	}
	if s.ring != nil {
		s.ring.Start()
	}
}

// Stop unregisters the instance and stops the hashring watch. Stop is
// idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	reg := s.reg
	s.mu.Unlock()

	if s.ring != nil {
		s.ring.Stop()
	}
	err := reg.Unregister(ctx, s.info)
	reg.Close()
	if err != nil {
		return errors.Wrap(err, "stop service", j.KV("service", s.info.Name))
	}
	return nil
}

// Join blocks until the service's background work has wound down after Stop,
// or until timeout elapses if positive.
func (s *Service) Join(timeout time.Duration) error {
	if s.ring == nil {
		return nil
	}
	return s.ring.Join(timeout)
}

// Running reports whether the service is started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
