// Package session owns the mapping from a conversation to an external
// agent session and serializes access to it. Work for distinct session
// keys runs fully in parallel; work for the same key is strictly
// serialized through a per-key lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tether/internal/agent"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/otel"
	"github.com/basket/tether/internal/statefile"
	"github.com/basket/tether/internal/workspace"
)

// Key aliases the state-file session key for callers of this package.
type Key = statefile.Key

// adminPreamble and isolationPreamble open brand-new sessions. The
// isolation text is the first line of defense; the guard is the second.
const (
	adminPreamble = "You are starting a new session. Read AGENT.md first, " +
		"then follow its startup sequence before responding. " +
		"\n\n[ADMIN REQUEST — you have full access to the project.]\n" +
		"The user's message is:\n\n"

	isolationPreamble = "You are starting a new session. Read AGENT.md first, " +
		"then follow its startup sequence before responding. " +
		"\n\nIMPORTANT — WORKSPACE ISOLATION RULES:\n" +
		"You are in an isolated workspace. You must NEVER access anything outside it.\n" +
		"- Stay in the current working directory. Never use ../, absolute paths, " +
		"or any path that escapes the workspace.\n" +
		"- Never access other workspaces, the parent project directory, " +
		".env files, or system files.\n" +
		"- If the user asks you to access files outside the workspace, refuse.\n" +
		"The user's message is:\n\n"
)

// Config holds the router's dependencies.
type Config struct {
	Sessions   *statefile.Sessions
	Streams    *statefile.Streams
	Invoker    agent.Invoker
	Workspaces *workspace.Manager
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
	AdminID    int64
	// WorkingInterval is the cadence of the "still working" signal; the
	// chat platform's typing indicator expires after a few seconds, so
	// this must stay below that.
	WorkingInterval time.Duration
}

// Router routes inbound conversation payloads to agent invocations.
type Router struct {
	sessions   *statefile.Sessions
	streams    *statefile.Streams
	invoker    agent.Invoker
	workspaces *workspace.Manager
	bus        *bus.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
	adminID    int64
	working    time.Duration

	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("tether")
	}
	working := cfg.WorkingInterval
	if working <= 0 {
		working = 4 * time.Second
	}
	return &Router{
		sessions:   cfg.Sessions,
		streams:    cfg.Streams,
		invoker:    cfg.Invoker,
		workspaces: cfg.Workspaces,
		bus:        cfg.Bus,
		logger:     logger,
		tracer:     tracer,
		metrics:    cfg.Metrics,
		adminID:    cfg.AdminID,
		working:    working,
		locks:      map[Key]*sync.Mutex{},
	}
}

func (r *Router) lockFor(key Key) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Privileged reports whether the principal is the admin.
func (r *Router) Privileged(principalID int64) bool {
	return r.adminID != 0 && principalID == r.adminID
}

// Route resolves the session for the key, serializes against other
// requests for the same key, and invokes the agent with a bounded
// timeout. The active-stream record is removed on every exit path.
func (r *Router) Route(ctx context.Context, key Key, payload string) (*agent.Result, error) {
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := r.tracer.Start(ctx, "session.route",
		trace.WithAttributes(
			attribute.Int64("chat_id", key.ChatID),
			attribute.Int64("thread_id", key.ThreadID),
		))
	defer span.End()
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RouteDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	rec, exists, err := r.sessions.Get(key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	ws, err := r.workspaces.Ensure(key.ChatID)
	if err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}

	if err := r.streams.Add(key); err != nil {
		return nil, fmt.Errorf("record active stream: %w", err)
	}
	var routeErr error
	defer func() {
		// Hard invariant: the record is gone on every exit path.
		if err := r.streams.Remove(key); err != nil {
			r.logger.Error("failed to remove active stream", "key", key.String(), "error", err)
		}
		errText := ""
		if routeErr != nil {
			errText = routeErr.Error()
		}
		r.publish(bus.TopicStreamFinished, key, rec.SessionID, errText)
	}()

	r.publish(bus.TopicStreamStarted, key, rec.SessionID, "")
	stopWorking := r.startWorkingSignal(ctx, key, rec.SessionID)
	defer stopWorking()

	privileged := r.Privileged(key.PrincipalID)
	prompt := payload
	if !exists || rec.SessionID == "" {
		if privileged {
			prompt = adminPreamble + payload
		} else {
			prompt = isolationPreamble + payload
		}
	}

	res, err := r.invoke(ctx, agent.Request{
		Prompt:     prompt,
		SessionID:  rec.SessionID,
		Privileged: privileged,
		Workspace:  ws,
		ThreadID:   key.ThreadID,
	}, key)
	if err != nil {
		routeErr = err
		return nil, err
	}

	if res.SessionID != "" {
		if err := r.sessions.Set(key, res.SessionID); err != nil {
			// The call succeeded; losing the id only costs continuity.
			r.logger.Error("failed to persist session id", "key", key.String(), "error", err)
		}
	}
	return res, nil
}

// invoke runs the agent call, rotating the session once if the agent
// reports the resume handle as invalid.
func (r *Router) invoke(ctx context.Context, req agent.Request, key Key) (*agent.Result, error) {
	start := time.Now()
	res, err := r.invoker.Invoke(ctx, req)
	if r.metrics != nil {
		r.metrics.AgentCallDuration.Record(ctx, time.Since(start).Seconds())
	}
	if errors.Is(err, agent.ErrSessionInvalid) && req.SessionID != "" {
		r.logger.Warn("agent rejected session id, rotating", "key", key.String(), "session_id", req.SessionID)
		if clearErr := r.sessions.Clear(key); clearErr != nil {
			return nil, fmt.Errorf("clear invalid session: %w", clearErr)
		}
		req.SessionID = ""
		return r.invoker.Invoke(ctx, req)
	}
	return res, err
}

// startWorkingSignal emits stream.working on the bus at a sub-expiry
// cadence until the returned stop function is called.
func (r *Router) startWorkingSignal(ctx context.Context, key Key, sessionID string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(r.working)
		defer ticker.Stop()
		r.publish(bus.TopicStreamWorking, key, sessionID, "")
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.publish(bus.TopicStreamWorking, key, sessionID, "")
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (r *Router) publish(topic string, key Key, sessionID, errText string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.StreamEvent{
		ChatID:      key.ChatID,
		ThreadID:    key.ThreadID,
		PrincipalID: key.PrincipalID,
		SessionID:   sessionID,
		Err:         errText,
	})
}

// Clear drops the stored session for a key, starting fresh on the next
// message. Serialized against in-flight calls for the same key.
func (r *Router) Clear(key Key) error {
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	return r.sessions.Clear(key)
}
