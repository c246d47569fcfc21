package bus

// Stream lifecycle topics, published by the session router.
const (
	TopicStreamStarted  = "stream.started"
	TopicStreamWorking  = "stream.working"
	TopicStreamFinished = "stream.finished"
)

// Watchdog topics, published by the supervisor.
const (
	TopicWatchdogDown      = "watchdog.service_down"
	TopicWatchdogRecovered = "watchdog.service_recovered"
	TopicWatchdogGaveUp    = "watchdog.gave_up"
)

// StreamEvent accompanies the stream lifecycle topics.
type StreamEvent struct {
	ChatID      int64  // Conversation the stream belongs to
	ThreadID    int64  // Forum topic thread, 0 outside forums
	PrincipalID int64  // Requesting principal
	SessionID   string // External agent session id, may be empty
	Err         string // Failure description on stream.finished, empty on success
}

// WatchdogEvent accompanies the watchdog topics.
type WatchdogEvent struct {
	Revision string // Source revision involved, if any
	Detail   string // Human-readable description
}
