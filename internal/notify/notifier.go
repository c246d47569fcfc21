// Package notify delivers restart notifications to conversations that
// had agent calls in flight, and edits them with the outcome afterward.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tether/internal/statefile"
)

// API is the slice of the Telegram client the notifier needs. Raw
// requests are used instead of the typed helpers so forum threads can
// be addressed, which the typed config structs predate.
type API interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

type Notifier struct {
	api     API
	notices *statefile.Notices
	logger  *slog.Logger
}

func New(api API, notices *statefile.Notices, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{api: api, notices: notices, logger: logger}
}

type target struct {
	chatID   int64
	threadID int64
}

// Broadcast sends text once per distinct (chat, thread) pair among the
// given stream records and records each delivered message so the
// outcome edit can find it. Returns the number of messages sent.
func (n *Notifier) Broadcast(records map[string]statefile.StreamRecord, text string) int {
	seen := map[target]struct{}{}
	sent := 0
	for _, rec := range records {
		tg := target{chatID: rec.ChatID, threadID: rec.ThreadID}
		if _, dup := seen[tg]; dup {
			continue
		}
		seen[tg] = struct{}{}

		msgID, err := n.send(tg, text)
		if err != nil {
			n.logger.Warn("failed to deliver restart notice", "chat_id", tg.chatID, "thread_id", tg.threadID, "error", err)
			continue
		}
		sent++
		if n.notices != nil {
			if err := n.notices.Append(statefile.Notice{ChatID: tg.chatID, ThreadID: tg.threadID, MessageID: msgID}); err != nil {
				n.logger.Error("failed to record restart notice", "chat_id", tg.chatID, "error", err)
			}
		}
	}
	return sent
}

// EditOutcome replaces the text of every recorded notice and consumes
// the records. Notices survive a process restart in between.
func (n *Notifier) EditOutcome(text string) int {
	if n.notices == nil {
		return 0
	}
	list, err := n.notices.Drain()
	if err != nil {
		n.logger.Error("failed to drain restart notices", "error", err)
		return 0
	}
	edited := 0
	for _, notice := range list {
		params := tgbotapi.Params{}
		params.AddNonZero64("chat_id", notice.ChatID)
		params.AddNonZero("message_id", notice.MessageID)
		params["text"] = text
		if _, err := n.api.MakeRequest("editMessageText", params); err != nil {
			n.logger.Warn("failed to edit restart notice", "chat_id", notice.ChatID, "message_id", notice.MessageID, "error", err)
			continue
		}
		edited++
	}
	return edited
}

// Alert sends a one-off plain message to a single chat. Used for
// operator pages that are not tied to an interrupted stream.
func (n *Notifier) Alert(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := n.send(target{chatID: chatID}, text); err != nil {
		n.logger.Error("failed to deliver alert", "chat_id", chatID, "error", err)
	}
}

// Typing signals "typing..." in a conversation. The indicator expires
// on its own after a few seconds, so callers re-send it on a ticker.
func (n *Notifier) Typing(chatID, threadID int64) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("message_thread_id", threadID)
	params["action"] = "typing"
	if _, err := n.api.MakeRequest("sendChatAction", params); err != nil {
		n.logger.Debug("failed to send typing action", "chat_id", chatID, "error", err)
	}
}

func (n *Notifier) send(tg target, text string) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", tg.chatID)
	params.AddNonZero64("message_thread_id", tg.threadID)
	params["text"] = text
	resp, err := n.api.MakeRequest("sendMessage", params)
	if err != nil {
		return 0, err
	}
	var msg struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return 0, fmt.Errorf("decode sendMessage response: %w", err)
	}
	return msg.MessageID, nil
}

// FormatTargets renders (chat, thread) pairs for logs.
func FormatTargets(records map[string]statefile.StreamRecord) string {
	seen := map[target]struct{}{}
	out := ""
	for _, rec := range records {
		tg := target{chatID: rec.ChatID, threadID: rec.ThreadID}
		if _, dup := seen[tg]; dup {
			continue
		}
		seen[tg] = struct{}{}
		if out != "" {
			out += ", "
		}
		out += strconv.FormatInt(tg.chatID, 10)
		if tg.threadID != 0 {
			out += ":" + strconv.FormatInt(tg.threadID, 10)
		}
	}
	return out
}
