package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/session"
)

func TestBatcherCombinesBurstIntoOneDispatch(t *testing.T) {
	var mu sync.Mutex
	var got []string
	b := newBatcher(50*time.Millisecond, func(_ context.Context, _ session.Key, payload string) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})

	key := session.Key{ChatID: 1, PrincipalID: 5}
	b.Add(context.Background(), key, "first")
	b.Add(context.Background(), key, "second")
	b.Add(context.Background(), key, "third")

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(got))
	}
	if got[0] != "first\n\nsecond\n\nthird" {
		t.Errorf("payload = %q", got[0])
	}
}

func TestBatcherKeepsKeysSeparate(t *testing.T) {
	var mu sync.Mutex
	dispatched := map[session.Key]string{}
	b := newBatcher(30*time.Millisecond, func(_ context.Context, key session.Key, payload string) {
		mu.Lock()
		dispatched[key] = payload
		mu.Unlock()
	})

	b.Add(context.Background(), session.Key{ChatID: 1, PrincipalID: 5}, "to chat one")
	b.Add(context.Background(), session.Key{ChatID: 2, PrincipalID: 5}, "to chat two")

	time.Sleep(120 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(dispatched) != 2 {
		t.Fatalf("dispatched keys = %d, want 2", len(dispatched))
	}
	if dispatched[session.Key{ChatID: 1, PrincipalID: 5}] != "to chat one" {
		t.Error("chat one payload wrong")
	}
}

func TestBatcherFlushAllDeliversPending(t *testing.T) {
	var mu sync.Mutex
	var got []string
	b := newBatcher(time.Hour, func(_ context.Context, _ session.Key, payload string) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})

	b.Add(context.Background(), session.Key{ChatID: 1}, "pending")
	b.FlushAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "pending" {
		t.Errorf("got %v, want [pending]", got)
	}
}

func testChannel(cfg config.TelegramConfig) *TelegramChannel {
	return NewTelegramChannel(Config{Telegram: cfg})
}

func privateMessage(chatID, userID int64) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID, Type: "private"},
	}
}

func groupMessage(chatID, userID int64) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID, Type: "supergroup"},
	}
}

func TestKeyForPrivateChatUsesSenderAsPrincipal(t *testing.T) {
	ch := testChannel(config.TelegramConfig{})
	key := ch.keyFor(privateMessage(42, 7))
	want := session.Key{ChatID: 42, ThreadID: 0, PrincipalID: 7}
	if key != want {
		t.Errorf("key = %+v, want %+v", key, want)
	}
}

func TestKeyForGroupChatSharesSession(t *testing.T) {
	ch := testChannel(config.TelegramConfig{})
	a := ch.keyFor(groupMessage(-100, 7))
	b := ch.keyFor(groupMessage(-100, 8))
	if a != b {
		t.Errorf("group members got different keys: %+v vs %+v", a, b)
	}
	if a.PrincipalID != 0 {
		t.Errorf("group principal = %d, want 0", a.PrincipalID)
	}
}

func TestAddressedInGroup(t *testing.T) {
	ch := testChannel(config.TelegramConfig{})
	ch.bot = &tgbotapi.BotAPI{Self: tgbotapi.User{ID: 1000, UserName: "tetherbot"}}
	ctx := context.Background()

	mention := groupMessage(-100, 7)
	mention.Text = "@tetherbot what is the build status?"
	if !ch.addressedInGroup(ctx, mention) {
		t.Error("mention not recognized")
	}

	reply := groupMessage(-100, 7)
	reply.Text = "yes please"
	reply.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 1000}}
	if !ch.addressedInGroup(ctx, reply) {
		t.Error("reply to the bot not recognized")
	}

	other := groupMessage(-100, 7)
	other.Text = "just chatting"
	other.ReplyToMessage = &tgbotapi.Message{From: &tgbotapi.User{ID: 7}}
	if ch.addressedInGroup(ctx, other) {
		t.Error("unaddressed group chatter picked up")
	}
}

func TestStripMention(t *testing.T) {
	ch := testChannel(config.TelegramConfig{})
	ch.bot = &tgbotapi.BotAPI{Self: tgbotapi.User{UserName: "tetherbot"}}
	if got := ch.stripMention("@tetherbot run the tests"); got != " run the tests" {
		t.Errorf("stripped = %q", got)
	}
	if got := ch.stripMention("no mention here"); got != "no mention here" {
		t.Errorf("plain text rewritten: %q", got)
	}
}

func TestPermitted(t *testing.T) {
	ch := testChannel(config.TelegramConfig{
		AdminID:    99,
		AllowedIDs: []int64{7},
		GroupID:    -100,
	})

	cases := []struct {
		name string
		msg  *tgbotapi.Message
		want bool
	}{
		{"admin in private", privateMessage(99, 99), true},
		{"allowed user", privateMessage(7, 7), true},
		{"stranger", privateMessage(8, 8), false},
		{"stranger in the configured group", groupMessage(-100, 8), true},
		{"stranger in another group", groupMessage(-200, 8), false},
	}
	for _, tc := range cases {
		if got := ch.permitted(tc.msg); got != tc.want {
			t.Errorf("%s: permitted = %v, want %v", tc.name, got, tc.want)
		}
	}
}
