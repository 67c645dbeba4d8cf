package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// fakeBotAPI emulates the subset of the Telegram Bot API used by Telegram.
type fakeBotAPI struct {
	mu      sync.Mutex
	sent    []map[string]string
	webhook map[string]string
	pending []string
	sentCh  chan struct{}
	// When hold is set, an empty getUpdates blocks until it is closed.
	hold  chan struct{}
	polls chan struct{}
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	t.Helper()
	f := &fakeBotAPI{sentCh: make(chan struct{}, 10), polls: make(chan struct{}, 100)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Term","username":"termbot"}}`)
	case strings.HasSuffix(r.URL.Path, "/deleteWebhook"):
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case strings.HasSuffix(r.URL.Path, "/setWebhook"):
		f.mu.Lock()
		f.webhook = map[string]string{
			"url":          r.PostForm.Get("url"),
			"secret_token": r.PostForm.Get("secret_token"),
		}
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		f.mu.Lock()
		updates := f.pending
		f.pending = nil
		hold := f.hold
		f.mu.Unlock()
		select {
		case f.polls <- struct{}{}:
		default:
		}
		if len(updates) == 0 {
			if hold != nil {
				select {
				case <-hold:
				case <-r.Context().Done():
				}
			} else {
				time.Sleep(10 * time.Millisecond)
			}
		}
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(updates, ","))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		f.sent = append(f.sent, map[string]string{
			"chat_id":             r.PostForm.Get("chat_id"),
			"text":                r.PostForm.Get("text"),
			"reply_to_message_id": r.PostForm.Get("reply_to_message_id"),
		})
		f.mu.Unlock()
		f.sentCh <- struct{}{}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":99,"date":0,"chat":{"id":42,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestTelegram(t *testing.T, srv *httptest.Server) *Telegram {
	t.Helper()
	tg, err := NewTelegram(TelegramConfig{
		Token:      "123:abc",
		Endpoint:   srv.URL + "/bot%s/%s",
		HTTPClient: srv.Client(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	return tg
}

func updateJSON(id int, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"date":0,"chat":{"id":42,"type":"private"},"from":{"id":5,"is_bot":false,"first_name":"Ann","username":"ann"},"text":%q}}`, id, id+100, text)
}

const testSecret = "s3cret-token"

func webhookRequest(body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretTokenHeader, secret)
	}
	return req
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg Message, sender Sender) {
		sender.Send(ctx, Reply{ChatID: msg.ChatID, ReplyToID: msg.ID, Text: "echo " + msg.Text})
	})
}

func TestNewTelegram_RequiresToken(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestNewTelegram_Authorizes(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)
	if tg.Username() != "termbot" {
		t.Errorf("expected username termbot, got %q", tg.Username())
	}
	if tg.workers != 1 {
		t.Errorf("expected default of one worker, got %d", tg.workers)
	}
}

func TestTelegram_Send(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)

	if err := tg.Send(context.Background(), Reply{ChatID: 42, ReplyToID: 7, Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(fake.sent))
	}
	got := fake.sent[0]
	if got["chat_id"] != "42" || got["text"] != "hello" || got["reply_to_message_id"] != "7" {
		t.Errorf("unexpected sendMessage params %v", got)
	}
}

func TestTelegram_Poll(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	fake.pending = []string{updateJSON(1, "A00")}
	tg := newTestTelegram(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Poll(ctx, echoHandler()) }()

	select {
	case <-fake.sentCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Poll: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Poll did not return after cancel")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.sent[0]["text"] != "echo A00" || fake.sent[0]["reply_to_message_id"] != "101" {
		t.Errorf("unexpected reply %v", fake.sent[0])
	}
}

func TestTelegram_WebhookHandler(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(webhookRequest(updateJSON(2, "71620000"), testSecret), rec)

	if err := tg.WebhookHandler(echoHandler(), testSecret)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 1 || fake.sent[0]["text"] != "echo 71620000" {
		t.Errorf("unexpected replies %v", fake.sent)
	}
}

func TestTelegram_WebhookHandlerRejectsGarbage(t *testing.T) {
	_, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)

	e := echo.New()
	rec := httptest.NewRecorder()
	err := tg.WebhookHandler(echoHandler(), testSecret)(e.NewContext(webhookRequest("{", testSecret), rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed update, got %v", err)
	}
}

func TestTelegram_WebhookHandlerRequiresSecret(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)
	e := echo.New()

	tests := []struct {
		name       string
		configured string
		sent       string
	}{
		{"missing header", testSecret, ""},
		{"wrong secret", testSecret, "guess"},
		{"prefix of secret", testSecret, testSecret[:4]},
		{"no secret configured", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(webhookRequest(updateJSON(3, "A00"), tt.sent), rec)
			err := tg.WebhookHandler(echoHandler(), tt.configured)(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", err)
			}
		})
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 0 {
		t.Errorf("expected no replies to forged updates, got %v", fake.sent)
	}
}

func TestTelegram_SetWebhook(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	tg := newTestTelegram(t, srv)
	if err := tg.SetWebhook("https://bot.example/telegram/webhook", testSecret); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.webhook["url"] != "https://bot.example/telegram/webhook" || fake.webhook["secret_token"] != testSecret {
		t.Errorf("unexpected setWebhook params %v", fake.webhook)
	}
}

func TestTelegram_PollSurvivesHandlerPanic(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	fake.pending = []string{updateJSON(1, "boom"), updateJSON(2, "A00")}
	tg := newTestTelegram(t, srv)

	h := HandlerFunc(func(ctx context.Context, msg Message, sender Sender) {
		if msg.Text == "boom" {
			panic("handler exploded")
		}
		echoHandler().HandleMessage(ctx, msg, sender)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Poll(ctx, h) }()

	select {
	case <-fake.sentCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply after panic")
	}
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.sent) != 1 || fake.sent[0]["text"] != "echo A00" {
		t.Errorf("unexpected replies %v", fake.sent)
	}
}

func TestTelegram_PollStopsDuringLongPoll(t *testing.T) {
	fake, srv := newFakeBotAPI(t)
	hold := make(chan struct{})
	fake.hold = hold
	// Runs before the server is closed.
	t.Cleanup(func() { close(hold) })
	tg := newTestTelegram(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Poll(ctx, echoHandler()) }()

	select {
	case <-fake.polls:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for getUpdates")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Poll: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll waited for the pending long poll")
	}
}

func TestMessageFromUpdate(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 42}
	tests := []struct {
		name string
		upd  tgbotapi.Update
		want Message
		ok   bool
	}{
		{"no message", tgbotapi.Update{UpdateID: 1}, Message{}, false},
		{"no text", tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 3, Chat: chat}}, Message{}, false},
		{"no chat", tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 3, Text: "A00"}}, Message{}, false},
		{
			"anonymous sender",
			tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 3, Chat: chat, Text: "A00"}},
			Message{ID: 3, ChatID: 42, Text: "A00"},
			true,
		},
		{
			"edited message",
			tgbotapi.Update{EditedMessage: &tgbotapi.Message{MessageID: 5, Chat: chat, Text: "A00"}},
			Message{ID: 5, ChatID: 42, Text: "A00"},
			true,
		},
		{
			"channel post",
			tgbotapi.Update{ChannelPost: &tgbotapi.Message{MessageID: 6, Chat: &tgbotapi.Chat{ID: -100}, Text: "A00"}},
			Message{ID: 6, ChatID: -100, Text: "A00"},
			true,
		},
		{
			"edited channel post",
			tgbotapi.Update{EditedChannelPost: &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: -100}, Text: "71620000"}},
			Message{ID: 7, ChatID: -100, Text: "71620000"},
			true,
		},
		{"channel post without text", tgbotapi.Update{ChannelPost: &tgbotapi.Message{MessageID: 8, Chat: chat}}, Message{}, false},
		{
			"with sender",
			tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 4, Chat: chat, Text: "A00", From: &tgbotapi.User{UserName: "ann"}}},
			Message{ID: 4, ChatID: 42, Text: "A00", From: "ann"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := messageFromUpdate(tt.upd)
			if ok != tt.ok || got != tt.want {
				t.Errorf("messageFromUpdate = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
