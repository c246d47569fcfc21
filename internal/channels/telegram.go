package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tether/internal/agent"
	"github.com/basket/tether/internal/bus"
	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/notify"
	"github.com/basket/tether/internal/persistence"
	"github.com/basket/tether/internal/render"
	"github.com/basket/tether/internal/session"
	"github.com/basket/tether/internal/statefile"
	"github.com/basket/tether/internal/transcribe"
	"github.com/basket/tether/internal/workspace"
)

// ModelSwitcher exposes the agent runner's runtime model override so
// /model can read and change it.
type ModelSwitcher interface {
	Model() string
	SetModel(string)
}

// TelegramChannel is the Telegram front end: it polls updates, batches
// bursts, routes payloads through the session router, and renders the
// results back as HTML.
type TelegramChannel struct {
	cfg         config.TelegramConfig
	router      *session.Router
	sessions    *statefile.Sessions
	streams     *statefile.Streams
	notices     *statefile.Notices
	notifier    *notify.Notifier
	store       *persistence.Store     // may be nil
	transcriber transcribe.Transcriber // may be nil
	workspaces  *workspace.Manager     // may be nil
	agentModel  ModelSwitcher          // may be nil
	eventBus    *bus.Bus
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI
	batches     *batcher
	homeDir     string
	uploadsDir  string
	started     time.Time

	// RestartFunc, when set, is called after /restart is acknowledged.
	// The process is expected to exit so the supervisor brings it back.
	RestartFunc func()
}

// Config holds the Telegram channel's dependencies.
type Config struct {
	Telegram    config.TelegramConfig
	Router      *session.Router
	Sessions    *statefile.Sessions
	Streams     *statefile.Streams
	Notices     *statefile.Notices
	Notifier    *notify.Notifier
	Store       *persistence.Store
	Transcriber transcribe.Transcriber
	Workspaces  *workspace.Manager
	Agent       ModelSwitcher
	Bus         *bus.Bus
	Logger      *slog.Logger
	HomeDir     string
	BatchWindow time.Duration
}

func NewTelegramChannel(cfg Config) *TelegramChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.BatchWindow
	if window <= 0 {
		window = 1500 * time.Millisecond
	}
	t := &TelegramChannel{
		cfg:         cfg.Telegram,
		router:      cfg.Router,
		sessions:    cfg.Sessions,
		streams:     cfg.Streams,
		notices:     cfg.Notices,
		notifier:    cfg.Notifier,
		store:       cfg.Store,
		transcriber: cfg.Transcriber,
		workspaces:  cfg.Workspaces,
		agentModel:  cfg.Agent,
		eventBus:    cfg.Bus,
		logger:      logger,
		homeDir:     cfg.HomeDir,
		uploadsDir:  filepath.Join(cfg.HomeDir, "uploads"),
		started:     time.Now(),
	}
	t.batches = newBatcher(window, t.dispatch)
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	t.recoverFromRestart(ctx)
	go t.monitorWorking(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			t.batches.FlushAll(context.Background())
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			msg := update.Message
			if !t.permitted(msg) {
				t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName, "chat_id", msg.Chat.ID)
				continue
			}
			t.handleMessage(ctx, msg)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// permitted checks the allow-list. The configured group chat is
// permitted as a whole; everywhere else the sender must be listed.
func (t *TelegramChannel) permitted(msg *tgbotapi.Message) bool {
	if t.cfg.GroupID != 0 && msg.Chat.ID == t.cfg.GroupID {
		return true
	}
	return t.cfg.Allowed(msg.From.ID)
}

// keyFor maps a message to its session key. Private chats get a
// per-user session; the group chat shares one session (principal 0),
// so members collaborate in a single agent conversation.
func (t *TelegramChannel) keyFor(msg *tgbotapi.Message) session.Key {
	principal := msg.From.ID
	if !msg.Chat.IsPrivate() {
		principal = 0
	}
	return session.Key{ChatID: msg.Chat.ID, ThreadID: 0, PrincipalID: principal}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	key := t.keyFor(msg)

	if msg.IsCommand() {
		t.handleCommand(ctx, key, msg)
		return
	}

	if !msg.Chat.IsPrivate() && !t.addressedInGroup(ctx, msg) {
		return
	}

	payload := strings.TrimSpace(t.stripMention(msg.Text))

	if media := t.intakeMedia(ctx, msg); media != "" {
		if payload == "" {
			payload = strings.TrimSpace(msg.Caption)
		}
		if payload != "" {
			payload = media + "\n\n" + payload
		} else {
			payload = media
		}
	}
	if payload == "" {
		return
	}

	t.journal(ctx, key, "inbound", payload)
	t.batches.Add(ctx, key, payload)
}

// addressedInGroup reports whether a group message is for the bot:
// an @mention, a reply to one of its messages, or a chat where the
// respond-all override is set.
func (t *TelegramChannel) addressedInGroup(ctx context.Context, msg *tgbotapi.Message) bool {
	if t.bot != nil && t.bot.Self.UserName != "" &&
		strings.Contains(msg.Text, "@"+t.bot.Self.UserName) {
		return true
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil &&
		t.bot != nil && reply.From.ID == t.bot.Self.ID {
		return true
	}
	return t.respondAll(ctx, msg.Chat.ID)
}

// respondAll reads the per-chat override that makes the bot answer
// every group message instead of only addressed ones.
func (t *TelegramChannel) respondAll(ctx context.Context, chatID int64) bool {
	if t.store == nil {
		return false
	}
	val, ok, err := t.store.GetKV(ctx, respondAllKey(chatID))
	if err != nil {
		t.logger.Warn("failed to read respond-all override", "chat_id", chatID, "error", err)
		return false
	}
	return ok && val == "on"
}

func respondAllKey(chatID int64) string {
	return fmt.Sprintf("respond_all:%d", chatID)
}

// stripMention removes the bot's @username so the agent sees a clean
// prompt.
func (t *TelegramChannel) stripMention(text string) string {
	if t.bot == nil || t.bot.Self.UserName == "" {
		return text
	}
	return strings.ReplaceAll(text, "@"+t.bot.Self.UserName, "")
}

// dispatch is the batcher sink: one combined payload becomes one
// routed agent call.
func (t *TelegramChannel) dispatch(ctx context.Context, key session.Key, payload string) {
	res, err := t.router.Route(ctx, key, payload)
	if err != nil {
		t.replyError(key, err)
		return
	}
	t.journal(ctx, key, "outbound", res.Text)
	t.replyHTML(key.ChatID, res.Text)
}

func (t *TelegramChannel) replyError(key session.Key, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, agent.ErrSilent):
		// Killed by a controlled restart; the restart notice covers it.
	case errors.Is(err, agent.ErrTimeout):
		t.replyPlain(key.ChatID, "That took too long and was cancelled. The session is intact, try again or simplify the request.")
	default:
		t.logger.Error("agent call failed", "key", key.String(), "error", err)
		t.replyPlain(key.ChatID, "Something went wrong handling that message. The error has been logged.")
	}
}

// intakeMedia downloads attachments and returns a prompt fragment
// describing them. Voice notes are transcribed inline.
func (t *TelegramChannel) intakeMedia(ctx context.Context, msg *tgbotapi.Message) string {
	switch {
	case msg.Voice != nil:
		path, err := t.download(msg.Voice.FileID, "voice.ogg")
		if err != nil {
			t.logger.Warn("failed to download voice note", "error", err)
			return ""
		}
		if t.transcriber == nil {
			return fmt.Sprintf("[voice note saved to %s, transcription unavailable]", path)
		}
		text, err := t.transcriber.Transcribe(ctx, path)
		if err != nil {
			t.logger.Warn("transcription failed", "error", err)
			return "[voice note could not be transcribed]"
		}
		return text

	case msg.Document != nil:
		name := msg.Document.FileName
		if name == "" {
			name = "document"
		}
		path, err := t.download(msg.Document.FileID, name)
		if err != nil {
			t.logger.Warn("failed to download document", "error", err)
			return ""
		}
		return fmt.Sprintf("[the user attached a file, saved at %s]", path)

	case len(msg.Photo) > 0:
		// Telegram sends multiple sizes; the last is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := t.download(photo.FileID, "photo.jpg")
		if err != nil {
			t.logger.Warn("failed to download photo", "error", err)
			return ""
		}
		return fmt.Sprintf("[the user attached a photo, saved at %s]", path)
	}
	return ""
}

func (t *TelegramChannel) download(fileID, name string) (string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	if err := os.MkdirAll(t.uploadsDir, 0o755); err != nil {
		return "", err
	}
	// The name comes from the sender; keep only a safe basename.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	dst := filepath.Join(t.uploadsDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))

	resp, err := http.Get(file.Link(t.bot.Token))
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", err
	}
	return dst, nil
}

// monitorWorking forwards the router's working signal to the chat as a
// typing indicator, which expires unless refreshed.
func (t *TelegramChannel) monitorWorking(ctx context.Context) {
	if t.eventBus == nil || t.notifier == nil {
		return
	}
	sub := t.eventBus.Subscribe(bus.TopicStreamWorking)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if payload, ok := ev.Payload.(bus.StreamEvent); ok {
				t.notifier.Typing(payload.ChatID, payload.ThreadID)
			}
		}
	}
}

// resumePrompt goes to the agent for each conversation interrupted by
// a restart, so the user gets a continuation instead of silence.
const resumePrompt = "System: the service restarted while you were handling the " +
	"previous message and your reply was lost. Briefly tell the user what " +
	"happened and, if you still have the context, continue where you left off."

// recoverFromRestart runs once at startup: restart notices get their
// outcome edit, and conversations interrupted mid-call are resumed
// through the router with a system prompt.
func (t *TelegramChannel) recoverFromRestart(ctx context.Context) {
	if t.notifier == nil {
		return
	}
	if edited := t.notifier.EditOutcome("The service restarted and is back online."); edited > 0 {
		t.logger.Info("edited restart notices", "count", edited)
	}
	if t.streams == nil {
		return
	}
	records, err := t.streams.Drain()
	if err != nil {
		t.logger.Error("failed to drain interrupted streams", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	t.logger.Info("resuming conversations interrupted by restart", "targets", notify.FormatTargets(records))

	for _, rec := range records {
		key := session.Key{ChatID: rec.ChatID, ThreadID: rec.ThreadID, PrincipalID: rec.PrincipalID}
		go func(key session.Key) {
			res, err := t.router.Route(ctx, key, resumePrompt)
			if err != nil {
				t.logger.Warn("restart resume failed", "key", key.String(), "error", err)
				t.replyPlain(key.ChatID, "The service restarted while handling your message. Please send it again.")
				return
			}
			t.journal(ctx, key, "outbound", res.Text)
			t.replyHTML(key.ChatID, res.Text)
		}(key)
	}
}

func (t *TelegramChannel) journal(ctx context.Context, key session.Key, direction, content string) {
	if t.store == nil {
		return
	}
	err := t.store.AppendMessage(ctx, persistence.JournalEntry{
		ChatID:      key.ChatID,
		ThreadID:    key.ThreadID,
		PrincipalID: key.PrincipalID,
		Direction:   direction,
		Content:     content,
	})
	if err != nil {
		t.logger.Warn("failed to journal message", "error", err)
	}
}

// replyHTML renders markdown to Telegram HTML and splits to fit the
// message cap, falling back to plain text when Telegram rejects the
// markup.
func (t *TelegramChannel) replyHTML(chatID int64, text string) {
	rendered := render.HTML(text)
	for _, chunk := range render.Split(rendered, render.MaxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("html send rejected, falling back to plain", "error", err)
			t.replyPlain(chatID, render.StripTags(chunk))
		}
	}
}

func (t *TelegramChannel) replyPlain(chatID int64, text string) {
	for _, chunk := range render.Split(text, render.MaxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram reply", "error", err)
		}
	}
}
