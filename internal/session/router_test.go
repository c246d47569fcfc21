package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/tether/internal/agent"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/statefile"
	"github.com/basket/tether/internal/workspace"
)

// fakeInvoker scripts agent responses and records every request.
type fakeInvoker struct {
	mu       sync.Mutex
	requests []agent.Request
	inFlight int32
	maxSeen  int32
	respond  func(req agent.Request) (*agent.Result, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(req)
	}
	return &agent.Result{Text: "ok", SessionID: "sess-1"}, nil
}

func (f *fakeInvoker) recorded() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func newTestRouter(t *testing.T, inv agent.Invoker) (*Router, *statefile.Sessions, *statefile.Streams, string) {
	t.Helper()
	dir := t.TempDir()
	sessions := statefile.NewSessions(filepath.Join(dir, "sessions.json"))
	streamsPath := filepath.Join(dir, "active-streams.json")
	streams := statefile.NewStreams(streamsPath)
	logger := slog.New(slog.DiscardHandler)
	ws := workspace.NewManager(filepath.Join(dir, "workspaces"), filepath.Join(dir, "base"), logger)
	r := NewRouter(Config{
		Sessions:        sessions,
		Streams:         streams,
		Invoker:         inv,
		Workspaces:      ws,
		Logger:          logger,
		AdminID:         99,
		WorkingInterval: 10 * time.Millisecond,
	})
	return r, sessions, streams, streamsPath
}

func key(chat, thread, principal int64) Key {
	return Key{ChatID: chat, ThreadID: thread, PrincipalID: principal}
}

func TestRouteSerializesSameKey(t *testing.T) {
	release := make(chan struct{})
	inv := &fakeInvoker{respond: func(req agent.Request) (*agent.Result, error) {
		<-release
		return &agent.Result{Text: "ok", SessionID: "s"}, nil
	}}
	r, _, _, _ := newTestRouter(t, inv)

	k := key(1, 0, 5)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Route(context.Background(), k, "hello"); err != nil {
				t.Errorf("route: %v", err)
			}
		}()
	}
	// Let the goroutines pile up on the per-key lock, then unblock.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if max := atomic.LoadInt32(&inv.maxSeen); max != 1 {
		t.Errorf("same-key requests overlapped: max in flight = %d, want 1", max)
	}
	if got := len(inv.recorded()); got != 3 {
		t.Errorf("invocations = %d, want 3", got)
	}
}

func TestRouteParallelAcrossKeys(t *testing.T) {
	const n = 4
	started := make(chan struct{}, n)
	release := make(chan struct{})
	inv := &fakeInvoker{respond: func(req agent.Request) (*agent.Result, error) {
		started <- struct{}{}
		<-release
		return &agent.Result{Text: "ok", SessionID: "s"}, nil
	}}
	r, _, _, _ := newTestRouter(t, inv)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			if _, err := r.Route(context.Background(), key(i, 0, i), "hi"); err != nil {
				t.Errorf("route: %v", err)
			}
		}(int64(i + 1))
	}

	// All n calls must reach the invoker while all are still blocked.
	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d distinct-key calls started concurrently", i, n)
		}
	}
	close(release)
	wg.Wait()

	if max := atomic.LoadInt32(&inv.maxSeen); max != n {
		t.Errorf("max in flight = %d, want %d", max, n)
	}
}

func TestRouteCleansStreamRecordOnSuccess(t *testing.T) {
	inv := &fakeInvoker{}
	r, _, streams, path := newTestRouter(t, inv)

	if _, err := r.Route(context.Background(), key(1, 0, 5), "hi"); err != nil {
		t.Fatalf("route: %v", err)
	}
	assertNoStreams(t, streams, path)
}

func TestRouteCleansStreamRecordOnError(t *testing.T) {
	inv := &fakeInvoker{respond: func(req agent.Request) (*agent.Result, error) {
		return nil, errors.New("agent exploded")
	}}
	r, _, streams, path := newTestRouter(t, inv)

	if _, err := r.Route(context.Background(), key(1, 0, 5), "hi"); err == nil {
		t.Fatal("expected error from route")
	}
	assertNoStreams(t, streams, path)
}

func TestRouteCleansStreamRecordOnTimeout(t *testing.T) {
	inv := &fakeInvoker{respond: func(req agent.Request) (*agent.Result, error) {
		return nil, agent.ErrTimeout
	}}
	r, sessions, streams, path := newTestRouter(t, inv)

	k := key(1, 0, 5)
	if err := sessions.Set(k, "existing-session"); err != nil {
		t.Fatal(err)
	}

	_, err := r.Route(context.Background(), k, "hi")
	if !errors.Is(err, agent.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	assertNoStreams(t, streams, path)

	// Timeout must not disturb the stored session.
	rec, ok, err := sessions.Get(k)
	if err != nil || !ok {
		t.Fatalf("session lookup after timeout: ok=%v err=%v", ok, err)
	}
	if rec.SessionID != "existing-session" {
		t.Errorf("session id after timeout = %q, want unchanged", rec.SessionID)
	}
}

func TestRoutePersistsAndResumesSession(t *testing.T) {
	call := 0
	inv := &fakeInvoker{respond: func(req agent.Request) (*agent.Result, error) {
		call++
		if call == 1 {
			return &agent.Result{Text: "first", SessionID: "sess-a"}, nil
		}
		return &agent.Result{Text: "second", SessionID: "sess-b"}, nil
	}}
	r, sessions, _, _ := newTestRouter(t, inv)

	k := key(1, 0, 5)
	if _, err := r.Route(context.Background(), k, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Route(context.Background(), k, "two"); err != nil {
		t.Fatal(err)
	}

	reqs := inv.recorded()
	if reqs[0].SessionID != "" {
		t.Errorf("first call should start fresh, got session %q", reqs[0].SessionID)
	}
	if reqs[1].SessionID != "sess-a" {
		t.Errorf("second call should resume sess-a, got %q", reqs[1].SessionID)
	}
	rec, _, err := sessions.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != "sess-b" {
		t.Errorf("stored session = %q, want sess-b", rec.SessionID)
	}
}

func TestRouteRotatesInvalidSession(t *testing.T) {
	inv := &fakeInvoker{respond: func(req agent.Request) (*agent.Result, error) {
		if req.SessionID != "" {
			return nil, agent.ErrSessionInvalid
		}
		return &agent.Result{Text: "fresh", SessionID: "sess-new"}, nil
	}}
	r, sessions, _, _ := newTestRouter(t, inv)

	k := key(1, 0, 5)
	if err := sessions.Set(k, "stale"); err != nil {
		t.Fatal(err)
	}

	res, err := r.Route(context.Background(), k, "hi")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Text != "fresh" {
		t.Errorf("result = %q, want fresh retry", res.Text)
	}
	rec, _, err := sessions.Get(k)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SessionID != "sess-new" {
		t.Errorf("stored session = %q, want sess-new", rec.SessionID)
	}
}

func TestRoutePreambleOnlyOnFreshSession(t *testing.T) {
	inv := &fakeInvoker{}
	r, sessions, _, _ := newTestRouter(t, inv)

	admin := key(1, 0, 99)
	regular := key(2, 0, 7)
	resumed := key(3, 0, 7)
	if err := sessions.Set(resumed, "sess-x"); err != nil {
		t.Fatal(err)
	}

	for _, k := range []Key{admin, regular, resumed} {
		if _, err := r.Route(context.Background(), k, "message body"); err != nil {
			t.Fatal(err)
		}
	}

	reqs := inv.recorded()
	if !strings.Contains(reqs[0].Prompt, "ADMIN REQUEST") {
		t.Error("admin fresh session missing admin preamble")
	}
	if !strings.Contains(reqs[1].Prompt, "WORKSPACE ISOLATION") {
		t.Error("regular fresh session missing isolation preamble")
	}
	if strings.Contains(reqs[2].Prompt, "starting a new session") {
		t.Error("resumed session should not get a preamble")
	}
	if !strings.HasSuffix(reqs[2].Prompt, "message body") {
		t.Errorf("resumed prompt = %q, want bare payload", reqs[2].Prompt)
	}
}

func TestRoutePublishesStreamEvents(t *testing.T) {
	inv := &fakeInvoker{}
	r, _, _, _ := newTestRouter(t, inv)
	b := bus.New()
	r.bus = b
	sub := b.Subscribe("stream.")
	defer b.Unsubscribe(sub)

	if _, err := r.Route(context.Background(), key(1, 0, 5), "hi"); err != nil {
		t.Fatal(err)
	}

	topics := map[string]bool{}
	for {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic] = true
			if topics[bus.TopicStreamStarted] && topics[bus.TopicStreamFinished] {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("missing stream events, saw %v", topics)
		}
	}
}

func assertNoStreams(t *testing.T, streams *statefile.Streams, path string) {
	t.Helper()
	m, err := streams.All()
	if err != nil {
		t.Fatalf("read streams: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("active streams left behind: %v", m)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stream file should be deleted once empty, stat err = %v", err)
	}
}
