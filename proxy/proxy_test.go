package proxy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"

	"github.com/techresidents/svccore/coordinator"
	"github.com/techresidents/svccore/coordinator/coordtest"
	"github.com/techresidents/svccore/proxy"
	"github.com/techresidents/svccore/registrar"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDialer hands out in-memory connections whose calls succeed until the
// target is marked down, standing in for a gRPC transport.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	down  map[string]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{down: make(map[string]bool)}
}

func (d *fakeDialer) dial(_ context.Context, target string) (proxy.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.down[target] {
		return nil, errors.New("connection refused")
	}
	return &fakeConn{d: d, target: target}, nil
}

func (d *fakeDialer) setDown(target string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down[target] = down
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeConn struct {
	d      *fakeDialer
	target string
}

func (c *fakeConn) Invoke(_ context.Context, _ string, _, reply any, _ ...grpc.CallOption) error {
	c.d.mu.Lock()
	down := c.d.down[c.target]
	c.d.mu.Unlock()
	if down {
		return errors.New("connection reset")
	}
	if s, ok := reply.(*string); ok {
		*s = c.target
	}
	return nil
}

func (c *fakeConn) NewStream(_ context.Context, _ *grpc.StreamDesc, _ string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	c.d.mu.Lock()
	down := c.d.down[c.target]
	c.d.mu.Unlock()
	if down {
		return nil, errors.New("connection reset")
	}
	return nil, nil
}

func (c *fakeConn) Close() error {
	return nil
}

func register(t *testing.T, f *coordtest.Fake, key, hostname string, port int) *registrar.ServiceInfo {
	t.Helper()
	r := registrar.New(f)
	defer r.Close()
	info := &registrar.ServiceInfo{
		Name:     "echoq",
		Version:  "1.0.0",
		Hostname: hostname,
		Key:      key,
		Servers: []registrar.ServerInfo{{
			Name: "rpc",
			Endpoints: []registrar.ServerEndpoint{
				{Address: hostname, Port: port, Protocol: "grpc", Transport: "tcp"},
			},
		}},
	}
	require.True(t, r.Register(context.Background(), info))
	return info
}

func regNode(info *registrar.ServiceInfo) string {
	return registrar.RegistryPath(info.Name) + "/" + info.Name + "_" + info.Key
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq", proxy.WithDial(d.dial))
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	target, ok := p.Target()
	require.True(t, ok)
	assert.Equal(t, "worker-1:9090", target)

	var reply string
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	assert.Equal(t, "worker-1:9090", reply)
}

func TestInvokeNoInstance(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()

	d := newFakeDialer()
	p := proxy.New(f, "echoq",
		proxy.WithDial(d.dial),
		proxy.WithLogger(coordinator.NopLogger{}),
	)
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	var reply string
	err := p.Invoke(ctx, "/echoq/Echo", "hello", &reply)
	jtest.Require(t, proxy.ErrServiceUnavailable, err)

	_, ok := p.Target()
	assert.False(t, ok)
}

func TestFailover(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	first := register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq",
		proxy.WithDial(d.dial),
		proxy.WithLogger(coordinator.NopLogger{}),
	)
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	var reply string
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	assert.Equal(t, "worker-1:9090", reply)

	// The bound instance dies: its registration vanishes and its transport
	// starts refusing. With no replacement, calls degrade to unavailable.
	d.setDown("worker-1:9090", true)
	f.Remove(regNode(first))
	err := p.Invoke(ctx, "/echoq/Echo", "hello", &reply)
	jtest.Require(t, proxy.ErrServiceUnavailable, err)

	// A replacement registers; the watch stages it and the next call picks
	// it up.
	register(t, f, "k2", "worker-2", 9091)
	require.Eventually(t, func() bool {
		var reply string
		if err := p.Invoke(ctx, "/echoq/Echo", "hello", &reply); err != nil {
			return false
		}
		return reply == "worker-2:9091"
	}, 2*time.Second, time.Millisecond)
}

func TestFailoverSkippedWhileBindingAlive(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq", proxy.WithDial(d.dial))
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	// A second instance joining must not unseat a live binding.
	register(t, f, "k2", "worker-2", 9091)
	for i := 0; i < 20; i++ {
		var reply string
		jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
		require.Equal(t, "worker-1:9090", reply)
	}
}

func TestKeepaliveReusesConnection(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq", proxy.WithDial(d.dial), proxy.WithKeepalive())
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	var reply string
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	assert.Equal(t, 1, d.dialCount())
}

func TestTransientConnectionPerCall(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq", proxy.WithDial(d.dial))
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	var reply string
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	assert.Equal(t, 2, d.dialCount())
}

func TestNewStream(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq", proxy.WithDial(d.dial), proxy.WithKeepalive())
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	_, err := p.NewStream(ctx, &grpc.StreamDesc{}, "/echoq/Stream")
	jtest.RequireNil(t, err)

	d.setDown("worker-1:9090", true)
	_, err = p.NewStream(ctx, &grpc.StreamDesc{}, "/echoq/Stream")
	jtest.Require(t, proxy.ErrServiceUnavailable, err)
}

func TestNopLocker(t *testing.T) {
	ctx := context.Background()
	f := coordtest.New()
	register(t, f, "k1", "worker-1", 9090)

	d := newFakeDialer()
	p := proxy.New(f, "echoq",
		proxy.WithDial(d.dial),
		proxy.WithLocker(proxy.NopLocker{}),
	)
	defer func() {
		jtest.RequireNil(t, p.Close())
	}()

	var reply string
	jtest.RequireNil(t, p.Invoke(ctx, "/echoq/Echo", "hello", &reply))
	assert.Equal(t, "worker-1:9090", reply)
}
