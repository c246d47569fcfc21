package channels

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tether/internal/session"
	"github.com/basket/tether/internal/statefile"
)

// adminOnly reports whether a command is reserved for the configured
// admin. Usage and journal data cover other people's chats, so they
// are operator surface, not user surface.
func adminOnly(cmd string) bool {
	switch cmd {
	case "usage", "sessions", "logs", "restart":
		return true
	}
	return false
}

// handleCommand dispatches slash commands. Admin-only commands check
// the actual sender, not the session principal, so they work from the
// group chat too.
func (t *TelegramChannel) handleCommand(ctx context.Context, key session.Key, msg *tgbotapi.Message) {
	admin := msg.From.ID == t.cfg.AdminID && t.cfg.AdminID != 0
	if adminOnly(msg.Command()) && !admin {
		t.replyPlain(key.ChatID, "That command is admin-only.")
		return
	}

	switch msg.Command() {
	case "start":
		t.cmdStart(key)
	case "new":
		t.cmdNew(key)
	case "status":
		t.cmdStatus(key)
	case "usage":
		t.cmdUsage(ctx, key)
	case "model":
		t.cmdModel(key, msg.CommandArguments(), admin)
	case "whoami":
		t.cmdWhoami(key)
	case "files":
		t.cmdFiles(key)
	case "clean":
		t.cmdClean(key)
	case "sessions":
		t.cmdSessions(key)
	case "logs":
		t.cmdLogs(ctx, key, msg.CommandArguments())
	case "all":
		t.cmdRespondAll(ctx, key, msg)
	case "restart":
		t.cmdRestart(key)
	default:
		t.replyPlain(key.ChatID, fmt.Sprintf("Unknown command /%s. Available: /start /new /status /model /whoami /files /clean /all /usage /sessions /logs /restart", msg.Command()))
	}
}

func (t *TelegramChannel) cmdStart(key session.Key) {
	t.replyPlain(key.ChatID,
		"Hi. Send me a message and I will pass it to the agent.\n"+
			"/new starts a fresh session, /status shows the service state.")
}

func (t *TelegramChannel) cmdNew(key session.Key) {
	if err := t.router.Clear(key); err != nil {
		t.logger.Error("failed to clear session", "key", key.String(), "error", err)
		t.replyPlain(key.ChatID, "Could not reset the session, see the logs.")
		return
	}
	t.replyPlain(key.ChatID, "Starting a fresh session. Previous context is gone.")
}

func (t *TelegramChannel) cmdStatus(key session.Key) {
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(t.started).Round(time.Second))

	if t.sessions != nil {
		if rec, ok, err := t.sessions.Get(key); err == nil && ok {
			fmt.Fprintf(&b, "Session: %s (last used %s)\n", rec.SessionID, rec.UpdatedAt.Format(time.RFC3339))
		} else {
			b.WriteString("Session: none yet\n")
		}
	}
	if t.streams != nil {
		if m, err := t.streams.All(); err == nil {
			fmt.Fprintf(&b, "In-flight agent calls: %d\n", len(m))
		}
	}
	t.replyPlain(key.ChatID, strings.TrimSpace(b.String()))
}

func (t *TelegramChannel) cmdUsage(ctx context.Context, key session.Key) {
	if t.store == nil {
		t.replyPlain(key.ChatID, "Usage tracking is not enabled.")
		return
	}
	entries, err := t.store.ListMessages(ctx, key.ChatID, key.ThreadID, 1000)
	if err != nil {
		t.logger.Error("failed to read journal", "error", err)
		t.replyPlain(key.ChatID, "Could not read the usage journal.")
		return
	}
	in, out := 0, 0
	for _, e := range entries {
		if e.Direction == "inbound" {
			in++
		} else {
			out++
		}
	}
	t.replyPlain(key.ChatID, fmt.Sprintf("Recent journal for this chat: %d messages in, %d replies out.", in, out))
}

// cmdModel shows the active model, or switches it. Switching is
// admin-only; reading is not.
func (t *TelegramChannel) cmdModel(key session.Key, arg string, admin bool) {
	if t.agentModel == nil {
		t.replyPlain(key.ChatID, "The agent is not configured.")
		return
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		model := t.agentModel.Model()
		if model == "" {
			model = "default"
		}
		t.replyPlain(key.ChatID, fmt.Sprintf("Current model: %s. /model <name> switches, /model default resets.", model))
		return
	}
	if !admin {
		t.replyPlain(key.ChatID, "Switching the model is admin-only.")
		return
	}
	if strings.EqualFold(arg, "default") {
		arg = ""
	}
	t.agentModel.SetModel(arg)
	if arg == "" {
		t.replyPlain(key.ChatID, "Model reset to the agent's default.")
	} else {
		t.replyPlain(key.ChatID, fmt.Sprintf("Model switched to %s for subsequent calls.", arg))
	}
	t.logger.Info("model switched", "model", arg, "chat_id", key.ChatID)
}

// cmdWhoami shows what the agent has written down about this chat in
// the workspace USER.md.
func (t *TelegramChannel) cmdWhoami(key session.Key) {
	if t.workspaces == nil {
		t.replyPlain(key.ChatID, "Workspaces are not configured.")
		return
	}
	path := filepath.Join(t.workspaces.Dir(key.ChatID), "USER.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.replyPlain(key.ChatID, "I have no notes about you yet. They appear in USER.md as we talk.")
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		t.replyPlain(key.ChatID, "USER.md exists but is empty.")
		return
	}
	t.replyPlain(key.ChatID, text)
}

// cmdFiles lists the chat's workspace tree.
func (t *TelegramChannel) cmdFiles(key session.Key) {
	if t.workspaces == nil {
		t.replyPlain(key.ChatID, "Workspaces are not configured.")
		return
	}
	root := t.workspaces.Dir(key.ChatID)
	listing, err := describeTree(root)
	if err != nil {
		t.replyPlain(key.ChatID, "Your workspace has not been created yet. Send a message first.")
		return
	}
	if listing == "" {
		t.replyPlain(key.ChatID, "Your workspace is empty.")
		return
	}
	t.replyPlain(key.ChatID, listing)
}

// cmdClean removes all uploaded files and reports what was freed.
func (t *TelegramChannel) cmdClean(key session.Key) {
	n, size, err := clearDir(t.uploadsDir)
	if err != nil {
		t.logger.Error("failed to clean uploads", "error", err)
		t.replyPlain(key.ChatID, "Could not clean the uploads directory, see the logs.")
		return
	}
	if n == 0 {
		t.replyPlain(key.ChatID, "No uploaded files to clean.")
		return
	}
	t.replyPlain(key.ChatID, fmt.Sprintf("Cleaned %d file(s) (%s).", n, formatSize(size)))
}

func (t *TelegramChannel) cmdSessions(key session.Key) {
	all, err := t.sessions.All()
	if err != nil {
		t.logger.Error("failed to list sessions", "error", err)
		t.replyPlain(key.ChatID, "Could not read the session store.")
		return
	}
	if len(all) == 0 {
		t.replyPlain(key.ChatID, "No stored sessions.")
		return
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d stored sessions:\n", len(all))
	for _, k := range keys {
		rec := all[k]
		fmt.Fprintf(&b, "%s -> %s (%s)\n", k, rec.SessionID, rec.UpdatedAt.Format("2006-01-02 15:04"))
	}
	t.replyPlain(key.ChatID, b.String())
}

// cmdLogs tails the infrastructure log, or with a "c<chat>" argument
// the journal of that chat.
func (t *TelegramChannel) cmdLogs(ctx context.Context, key session.Key, arg string) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "c") {
		t.cmdChatJournal(ctx, key, arg)
		return
	}

	path := filepath.Join(t.homeDir, "logs", "system.jsonl")
	lines, err := tailLines(path, 30)
	if err != nil {
		t.replyPlain(key.ChatID, fmt.Sprintf("Could not read the log: %v", err))
		return
	}
	if len(lines) == 0 {
		t.replyPlain(key.ChatID, "The log is empty.")
		return
	}
	t.replyPlain(key.ChatID, strings.Join(lines, "\n"))
}

func (t *TelegramChannel) cmdChatJournal(ctx context.Context, key session.Key, arg string) {
	if t.store == nil {
		t.replyPlain(key.ChatID, "The journal is not enabled.")
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimPrefix(arg, "c"), 10, 64)
	if err != nil {
		t.replyPlain(key.ChatID, fmt.Sprintf("Bad chat argument %q, expected c<chat_id>.", arg))
		return
	}
	entries, err := t.store.ListMessages(ctx, chatID, 0, 20)
	if err != nil {
		t.logger.Error("failed to read journal", "error", err)
		t.replyPlain(key.ChatID, "Could not read the journal.")
		return
	}
	if len(entries) == 0 {
		t.replyPlain(key.ChatID, fmt.Sprintf("No journal entries for chat %d.", chatID))
		return
	}
	var b strings.Builder
	for _, e := range entries {
		text := e.Content
		if len(text) > 120 {
			text = text[:120] + "..."
		}
		fmt.Fprintf(&b, "[%s %s] %s\n", e.CreatedAt.Format("01-02 15:04"), e.Direction, text)
	}
	t.replyPlain(key.ChatID, b.String())
}

// cmdRespondAll toggles the per-chat override that makes the bot
// answer every group message instead of only @mentions and replies.
func (t *TelegramChannel) cmdRespondAll(ctx context.Context, key session.Key, msg *tgbotapi.Message) {
	if msg.Chat.IsPrivate() {
		t.replyPlain(key.ChatID, "I already respond to everything in a private chat.")
		return
	}
	if t.store == nil {
		t.replyPlain(key.ChatID, "The respond-all override needs the database, which is not enabled.")
		return
	}
	arg := strings.ToLower(strings.TrimSpace(msg.CommandArguments()))
	switch arg {
	case "on", "off":
	default:
		state := "off"
		if t.respondAll(ctx, key.ChatID) {
			state = "on"
		}
		t.replyPlain(key.ChatID, fmt.Sprintf("Respond-all is %s here. Use /all on or /all off.", state))
		return
	}
	if err := t.store.SetKV(ctx, respondAllKey(key.ChatID), arg); err != nil {
		t.logger.Error("failed to store respond-all override", "error", err)
		t.replyPlain(key.ChatID, "Could not store the override, see the logs.")
		return
	}
	if arg == "on" {
		t.replyPlain(key.ChatID, "I will now respond to every message in this chat.")
	} else {
		t.replyPlain(key.ChatID, "Back to responding only when mentioned or replied to.")
	}
}

// cmdRestart acknowledges, records the notice so the outcome can be
// edited in after the service is back, and hands control to the
// supervisor by exiting.
func (t *TelegramChannel) cmdRestart(key session.Key) {
	msg := tgbotapi.NewMessage(key.ChatID, "Restarting the service...")
	sent, err := t.bot.Send(msg)
	if err == nil && t.notifier != nil {
		t.recordRestartNotice(key, sent.MessageID)
	}
	t.logger.Info("restart requested", "chat_id", key.ChatID)
	if t.RestartFunc != nil {
		t.RestartFunc()
	}
}

func (t *TelegramChannel) recordRestartNotice(key session.Key, messageID int) {
	if t.notices == nil {
		return
	}
	if err := t.notices.Append(statefile.Notice{ChatID: key.ChatID, ThreadID: key.ThreadID, MessageID: messageID}); err != nil {
		t.logger.Error("failed to record restart notice", "error", err)
	}
}

const (
	treeMaxDepth = 4
	treeMaxLines = 60
)

// describeTree renders a directory as an indented listing with file
// sizes, capped in depth and length so it fits in a chat message.
// Hidden directories are omitted.
func describeTree(root string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		return "", err
	}
	var lines []string
	truncated := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() && (strings.HasPrefix(d.Name(), ".") || depth >= treeMaxDepth) {
			return fs.SkipDir
		}
		if len(lines) >= treeMaxLines {
			truncated = true
			return fs.SkipAll
		}
		indent := strings.Repeat("  ", depth)
		switch {
		case d.IsDir():
			lines = append(lines, indent+d.Name()+"/")
		default:
			if info, ierr := d.Info(); ierr == nil {
				lines = append(lines, fmt.Sprintf("%s%s (%s)", indent, d.Name(), formatSize(info.Size())))
			} else {
				lines = append(lines, indent+d.Name())
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if truncated {
		lines = append(lines, "... and more files")
	}
	return strings.Join(lines, "\n"), nil
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// clearDir removes every file under dir and recreates it empty,
// returning the count and total size removed. A missing dir counts as
// already clean.
func clearDir(dir string) (int, int64, error) {
	var count int
	var size int64
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		count++
		if info, ierr := d.Info(); ierr == nil {
			size += info.Size()
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}
	if count == 0 {
		return 0, 0, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, err
	}
	return count, size, nil
}

// tailLines reads the last n lines of a file. The log stays small
// enough between maintenance runs that a full read is acceptable.
func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
