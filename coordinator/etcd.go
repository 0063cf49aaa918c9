package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type etcdOptions struct {
	sessionTTL   int
	retryBackoff time.Duration
	log          Logger
}

// EtcdOption configures an Etcd coordinator.
type EtcdOption func(*etcdOptions)

// WithSessionTTL overrides the etcd lease TTL, in seconds, backing the
// coordinator session. Shorter TTLs detect dead processes faster at the cost
// of more keepalive traffic.
func WithSessionTTL(seconds int) EtcdOption {
	return func(o *etcdOptions) {
		o.sessionTTL = seconds
	}
}

// WithRetryBackoff overrides how long we wait before attempting to establish
// a new session after losing the previous one.
func WithRetryBackoff(d time.Duration) EtcdOption {
	return func(o *etcdOptions) {
		o.retryBackoff = d
	}
}

// WithLogger overrides the default jettison logger.
func WithLogger(l Logger) EtcdOption {
	return func(o *etcdOptions) {
		o.log = l
	}
}

func defaultEtcdOptions() etcdOptions {
	return etcdOptions{
		sessionTTL:   60,
		retryBackoff: 10 * time.Second,
		log:          JLogger{},
	}
}

// Etcd implements Coordinator on top of an etcd cluster.
//
// An ephemeral node is an etcd key attached to the session lease, a children
// watch is a prefix watch, and lease expiry doubles as session expiry: etcd
// removes every key attached to the lease, which is exactly the purge
// behaviour the registrar and hashring rely on.
type Etcd struct {
	cli     *clientv3.Client
	options etcdOptions
	cancel  context.CancelFunc
	eg      errgroup.Group

	mu        sync.Mutex
	sess      *concurrency.Session
	observers map[int]SessionObserver
	nextObs   int
}

var _ Coordinator = (*Etcd)(nil)

// NewEtcd wraps an existing etcd client. The coordinator maintains its own
// concurrency session, re-establishing it whenever the lease is lost, and
// keeps going until Close is called.
func NewEtcd(cli *clientv3.Client, opts ...EtcdOption) *Etcd {
	o := defaultEtcdOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Etcd{
		cli:       cli,
		options:   o,
		cancel:    cancel,
		observers: make(map[int]SessionObserver),
	}
	e.eg.Go(func() error {
		return e.run(ctx)
	})
	return e
}

// Dial connects to etcd and returns a coordinator over the connection.
func Dial(ctx context.Context, endpoints []string, opts ...EtcdOption) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Context:     ctx,
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial etcd", j.KV("endpoints", strings.Join(endpoints, ",")))
	}
	return NewEtcd(cli), nil
}

// Close terminates the current session, revoking the lease and with it every
// ephemeral node this process owns, and stops the session loop.
func (e *Etcd) Close() error {
	e.cancel()
	if err := e.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "session loop")
	}

	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			return errors.Wrap(err, "close session")
		}
	}
	return nil
}

func (e *Etcd) run(ctx context.Context) error {
	for ctx.Err() == nil {
		err := e.runSession(ctx)
		if err != nil && !errors.IsAny(err, context.Canceled) {
			// NoReturnErr: Establish a new session after the backoff.
			e.options.log.Error(ctx, errors.Wrap(err, "coordinator session"))
		}
		select {
		case <-ctx.Done():
		case <-time.After(e.options.retryBackoff):
		}
	}
	return ctx.Err()
}

func (e *Etcd) runSession(ctx context.Context) error {
	sess, err := concurrency.NewSession(e.cli,
		concurrency.WithTTL(e.options.sessionTTL),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		return errors.Wrap(err, "new etcd session")
	}
	e.options.log.Debug(ctx, "established coordinator session", j.KV("etcd_lease", sess.Lease()))

	e.mu.Lock()
	e.sess = sess
	e.mu.Unlock()
	e.notify(StateConnected)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
	}

	e.mu.Lock()
	e.sess = nil
	e.mu.Unlock()

	// The lease is gone, so our ephemeral nodes have been purged.
	e.notify(StateDisconnected)
	e.notify(StateExpired)
	return errors.New("etcd lease expired")
}

func (e *Etcd) notify(s State) {
	e.mu.Lock()
	obs := make([]SessionObserver, 0, len(e.observers))
	for _, fn := range e.observers {
		obs = append(obs, fn)
	}
	e.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

// SubscribeSession registers fn for session transitions. If a session is
// already established, fn is immediately called with StateConnected so
// subscribers need not special-case subscription order.
func (e *Etcd) SubscribeSession(fn SessionObserver) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	connected := e.sess != nil
	e.mu.Unlock()

	if connected {
		fn(StateConnected)
	}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Connected reports whether a session is currently established.
func (e *Etcd) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil
}

func (e *Etcd) session() (*concurrency.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil, errors.Wrap(ErrNotConnected, "")
	}
	return e.sess, nil
}

// CreateEphemeral creates the key at path bound to the session lease. The
// create is transactional so a concurrent owner is detected rather than
// overwritten.
func (e *Etcd) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	sess, err := e.session()
	if err != nil {
		return err
	}

	cmp := clientv3.Compare(clientv3.CreateRevision(path), "=", 0)
	put := clientv3.OpPut(path, string(data), clientv3.WithLease(sess.Lease()))
	get := clientv3.OpGet(path)
	resp, err := sess.Client().Txn(ctx).If(cmp).Then(put).Else(get).Commit()
	if err != nil {
		return errors.Wrap(err, "create ephemeral node")
	}
	if !resp.Succeeded {
		owner := resp.Responses[0].GetResponseRange().Kvs[0].Lease
		return errors.Wrap(ErrNodeExists, "", j.MKV{
			"path":        path,
			"owner_lease": owner,
			"my_lease":    sess.Lease(),
		})
	}
	return nil
}

// Delete removes the key at path regardless of which session owns it.
func (e *Etcd) Delete(ctx context.Context, path string) error {
	resp, err := e.cli.Delete(ctx, path)
	if err != nil {
		return errors.Wrap(err, "delete node")
	}
	if resp.Deleted == 0 {
		return errors.Wrap(ErrNoNode, "", j.KV("path", path))
	}
	return nil
}

// Children lists the direct children of path.
func (e *Etcd) Children(ctx context.Context, path string) (map[string][]byte, error) {
	prefix := path + "/"
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "get children")
	}
	ret := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		if strings.Contains(name, "/") {
			// Grandchild, not a direct child.
			continue
		}
		ret[name] = kv.Value
	}
	return ret, nil
}

// WatchChildren delivers children snapshots until ctx is done. The channel is
// buffered with the latest snapshot; under rapid churn intermediate states
// are coalesced.
func (e *Etcd) WatchChildren(ctx context.Context, path string) <-chan map[string][]byte {
	out := make(chan map[string][]byte, 1)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			err := e.watchOnce(ctx, path, out)
			if err != nil && !errors.IsAny(err, context.Canceled) {
				e.options.log.Error(ctx, errors.Wrap(err, "children watch", j.KV("path", path)))
			}
			select {
			case <-ctx.Done():
			case <-time.After(e.options.retryBackoff):
			}
		}
	}()
	return out
}

func (e *Etcd) watchOnce(ctx context.Context, path string, out chan map[string][]byte) error {
	snap, err := e.Children(ctx, path)
	if err != nil {
		return err
	}
	sendLatest(out, snap)

	wch := e.cli.Watch(ctx, path+"/", clientv3.WithPrefix())
	for resp := range wch {
		if resp.Err() != nil {
			return resp.Err()
		}
		if !anyCreateOrDelete(resp.Events) {
			continue
		}
		snap, err := e.Children(ctx, path)
		if err != nil {
			return err
		}
		sendLatest(out, snap)
	}
	return errors.Wrap(ctx.Err(), "watch channel closed")
}

// sendLatest replaces any undelivered snapshot with snap so that a slow
// receiver always observes the most recent state.
func sendLatest(out chan map[string][]byte, snap map[string][]byte) {
	for {
		select {
		case out <- snap:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}

func anyCreateOrDelete(events []*clientv3.Event) bool {
	for _, ev := range events {
		if !ev.IsModify() {
			return true
		}
	}
	return false
}
