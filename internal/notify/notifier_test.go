package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

type recordingSender struct {
	name     string
	titles   []string
	messages []string
	err      error
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{domain.EventTradeFilled, " key_exported "}, testLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, domain.EventSessionStarted, "t", "m"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(s.titles) != 0 {
		t.Fatalf("filtered event was sent")
	}
	if err := n.Notify(ctx, domain.EventKeyExported, "t", "m"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.NotifyAll(ctx, "all", "m"); err != nil {
		t.Fatalf("NotifyAll: %v", err)
	}
	if len(s.titles) != 2 {
		t.Fatalf("sent = %v", s.titles)
	}
}

func TestNotifyEventFormatsData(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	err := n.NotifyEvent(context.Background(), domain.Event{
		Type:   domain.EventTradeFilled,
		UserID: "u1",
		Data:   map[string]any{"price": "0.735", "order_id": "0xabc"},
	})
	if err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}
	if s.titles[0] != "Trade filled" {
		t.Errorf("title = %q", s.titles[0])
	}
	if want := "user: u1\norder_id: 0xabc\nprice: 0.735"; s.messages[0] != want {
		t.Errorf("message = %q, want %q", s.messages[0], want)
	}
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatal("second sender skipped")
	}
}

func TestTelegramSend(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42").WithBaseURL(srv.URL + "/")
	if err := s.Send(context.Background(), "Title <1>", "a_b & c"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got["chat_id"] != "42" || got["parse_mode"] != "HTML" {
		t.Errorf("payload = %v", got)
	}
	if got["text"] != "<b>Title &lt;1&gt;</b>\na_b &amp; c" {
		t.Errorf("text = %q", got["text"])
	}
}

func TestTelegramSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
	}))
	defer srv.Close()

	err := NewTelegramSender("tok", "42").WithBaseURL(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "chat not found") || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramRedactsToken(t *testing.T) {
	s := NewTelegramSender("123:secret", "42").WithBaseURL("http://127.0.0.1:1")
	err := s.Send(context.Background(), "t", "m")
	if err == nil || strings.Contains(err.Error(), "123:secret") {
		t.Fatalf("err = %v", err)
	}
}

func TestDiscordSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}

func TestDiscordSendEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	if err := s.Send(context.Background(), "Filled", strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Title != "Filled" || e.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("embed = %+v", e)
	}
	if n := len([]rune(e.Description)); n != discordDescriptionMax {
		t.Errorf("description runes = %d", n)
	}
}
