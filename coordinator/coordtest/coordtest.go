// Package coordtest provides an in-memory Coordinator for tests. Session
// expiry and reconnection are driven explicitly by the test, which makes the
// failure windows of the registrar, hashring and proxy reproducible without a
// live coordination service.
package coordtest

import (
	"context"
	"strings"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/techresidents/svccore/coordinator"
)

type node struct {
	data      []byte
	ephemeral bool
}

// Fake is an in-memory implementation of coordinator.Coordinator.
//
// All nodes created through CreateEphemeral belong to the fake's single local
// session and are purged by Expire. Nodes planted with Put belong to nobody
// and survive expiry, standing in for nodes owned by other processes.
type Fake struct {
	mu        sync.Mutex
	connected bool
	nodes     map[string]node
	watches   map[string][]chan map[string][]byte
	observers map[int]coordinator.SessionObserver
	nextObs   int
}

var _ coordinator.Coordinator = (*Fake)(nil)

// New returns a connected Fake.
func New() *Fake {
	return &Fake{
		connected: true,
		nodes:     make(map[string]node),
		watches:   make(map[string][]chan map[string][]byte),
		observers: make(map[int]coordinator.SessionObserver),
	}
}

// CreateEphemeral creates a session-owned node at path.
func (f *Fake) CreateEphemeral(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return errors.Wrap(coordinator.ErrNotConnected, "")
	}
	if _, ok := f.nodes[path]; ok {
		f.mu.Unlock()
		return errors.Wrap(coordinator.ErrNodeExists, "", j.KV("path", path))
	}
	f.nodes[path] = node{data: data, ephemeral: true}
	f.mu.Unlock()

	f.notifyWatchers(parent(path))
	return nil
}

// Put plants a node owned by no session, as if another process created it.
func (f *Fake) Put(path string, data []byte) {
	f.mu.Lock()
	f.nodes[path] = node{data: data}
	f.mu.Unlock()
	f.notifyWatchers(parent(path))
}

// Delete removes the node at path.
func (f *Fake) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	if _, ok := f.nodes[path]; !ok {
		f.mu.Unlock()
		return errors.Wrap(coordinator.ErrNoNode, "", j.KV("path", path))
	}
	delete(f.nodes, path)
	f.mu.Unlock()

	f.notifyWatchers(parent(path))
	return nil
}

// Remove deletes a node outside any error contract, for test teardown.
func (f *Fake) Remove(path string) {
	_ = f.Delete(context.Background(), path)
}

// Children lists direct children of path.
func (f *Fake) Children(_ context.Context, path string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childrenLocked(path), nil
}

func (f *Fake) childrenLocked(path string) map[string][]byte {
	prefix := path + "/"
	ret := make(map[string][]byte)
	for p, n := range f.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		name := strings.TrimPrefix(p, prefix)
		if strings.Contains(name, "/") {
			continue
		}
		ret[name] = n.data
	}
	return ret
}

// WatchChildren delivers children snapshots, starting with the current state.
func (f *Fake) WatchChildren(ctx context.Context, path string) <-chan map[string][]byte {
	ch := make(chan map[string][]byte, 1)

	f.mu.Lock()
	f.watches[path] = append(f.watches[path], ch)
	ch <- f.childrenLocked(path)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		chans := f.watches[path]
		for i, c := range chans {
			if c == ch {
				f.watches[path] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// SubscribeSession registers fn, calling it with StateConnected immediately
// if the fake is connected.
func (f *Fake) SubscribeSession(fn coordinator.SessionObserver) func() {
	f.mu.Lock()
	id := f.nextObs
	f.nextObs++
	f.observers[id] = fn
	connected := f.connected
	f.mu.Unlock()

	if connected {
		fn(coordinator.StateConnected)
	}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

// Connected reports the fake's connection state.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Expire simulates coordinator session expiry: every ephemeral node is
// purged and observers see StateDisconnected followed by StateExpired.
// Call Reconnect to establish a new session.
func (f *Fake) Expire() {
	f.mu.Lock()
	f.connected = false
	parents := make(map[string]bool)
	for p, n := range f.nodes {
		if n.ephemeral {
			delete(f.nodes, p)
			parents[parent(p)] = true
		}
	}
	f.mu.Unlock()

	for p := range parents {
		f.notifyWatchers(p)
	}
	f.notifySession(coordinator.StateDisconnected)
	f.notifySession(coordinator.StateExpired)
}

// Disconnect simulates losing the connection without losing the session.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.notifySession(coordinator.StateDisconnected)
}

// Reconnect establishes a new session.
func (f *Fake) Reconnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.notifySession(coordinator.StateConnected)
}

// Exists reports whether a node is present at path.
func (f *Fake) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path]
	return ok
}

// Data returns the payload of the node at path.
func (f *Fake) Data(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	return n.data, ok
}

func (f *Fake) notifySession(s coordinator.State) {
	f.mu.Lock()
	obs := make([]coordinator.SessionObserver, 0, len(f.observers))
	for _, fn := range f.observers {
		obs = append(obs, fn)
	}
	f.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

// notifyWatchers sends under the mutex so a channel is never written after
// the cleanup goroutine closed it. sendLatest never blocks, so holding the
// lock here is safe.
func (f *Fake) notifyWatchers(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.childrenLocked(path)
	for _, ch := range f.watches[path] {
		sendLatest(ch, snap)
	}
}

func sendLatest(ch chan map[string][]byte, snap map[string][]byte) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
