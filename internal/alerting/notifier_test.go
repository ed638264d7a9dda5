package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func telegramServer(t *testing.T, failChat string) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	chats := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"id": 1, "is_bot": true, "first_name": "guard", "username": "guard_bot"},
			})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.NoError(t, r.ParseForm())
			chat := r.PostForm.Get("chat_id")
			assert.NotEmpty(t, r.PostForm.Get("text"))
			mu.Lock()
			chats = append(chats, chat)
			mu.Unlock()
			if chat == failChat {
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": 7, "date": 0, "chat": map[string]any{"id": 1, "type": "private"}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &chats
}

func TestTelegramNotifierSkipsFailingChat(t *testing.T) {
	srv, chats := telegramServer(t, "200")

	notifier, err := NewTelegramNotifier(TelegramOptions{
		BotToken:    "token",
		ChatIDs:     []int64{100, 200, 300},
		APIEndpoint: srv.URL + "/bot%s/%s",
		Timeout:     time.Second,
	}, testLogger())
	require.NoError(t, err)

	err = notifier.Notify(context.Background(), Notification{Subject: "Operation BLOCKED: ngn_cashout", Text: "details"})
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200", "300"}, *chats)
}

func TestTelegramNotifierAllChatsFail(t *testing.T) {
	srv, _ := telegramServer(t, "100")

	notifier, err := NewTelegramNotifier(TelegramOptions{
		BotToken:    "token",
		ChatIDs:     []int64{100},
		APIEndpoint: srv.URL + "/bot%s/%s",
	}, testLogger())
	require.NoError(t, err)

	err = notifier.Notify(context.Background(), Notification{Subject: "s", Text: "t"})
	assert.Error(t, err)
}

func TestTelegramNotifierRequiresChats(t *testing.T) {
	_, err := NewTelegramNotifier(TelegramOptions{BotToken: "token"}, testLogger())
	assert.Error(t, err)
}

func TestSMTPSenderBuildsMultipart(t *testing.T) {
	sender, err := NewSMTPSender(EmailOptions{Host: "smtp.example.com", Port: 2525, From: "guard@example.com"}, testLogger())
	require.NoError(t, err)
	sender.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var got bytes.Buffer
	sender.send = func(_ context.Context, msg *mail.Msg) error {
		_, err := msg.WriteTo(&got)
		return err
	}

	err = sender.SendEmail(context.Background(), []string{"ops@example.com"}, "[CRITICAL] fincra NGN balance low", "<p>low</p>", "low")
	require.NoError(t, err)

	raw := got.String()
	lower := strings.ToLower(raw)
	assert.Contains(t, raw, "<ops@example.com>")
	assert.Contains(t, raw, "Subject: [CRITICAL] fincra NGN balance low")
	assert.Contains(t, lower, "multipart/alternative")
	assert.Contains(t, lower, "text/plain; charset=utf-8")
	assert.Contains(t, lower, "text/html; charset=utf-8")
	assert.Contains(t, raw, "<p>low</p>")
}

func TestSMTPSenderRejectsBadOptions(t *testing.T) {
	_, err := NewSMTPSender(EmailOptions{From: "guard@example.com"}, testLogger())
	assert.Error(t, err)
	_, err = NewSMTPSender(EmailOptions{Host: "smtp.example.com"}, testLogger())
	assert.Error(t, err)

	sender, err := NewSMTPSender(EmailOptions{Host: "smtp.example.com", From: "guard@example.com"}, testLogger())
	require.NoError(t, err)
	assert.Error(t, sender.SendEmail(context.Background(), nil, "s", "<p>h</p>", ""))
}

// silentRelay accepts SMTP connections and never sends a greeting.
func silentRelay(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSMTPSenderStopsAtContextDeadline(t *testing.T) {
	host, port := silentRelay(t)
	sender, err := NewSMTPSender(EmailOptions{
		Host:    host,
		Port:    port,
		From:    "guard@example.com",
		Timeout: 10 * time.Second,
	}, testLogger())
	require.NoError(t, err)

	baseline := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		start := time.Now()
		err := sender.SendEmail(ctx, []string{"ops@example.com"}, "s", "<p>h</p>", "h")
		cancel()
		require.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second, "send must not wait for the relay timeout")
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 20*time.Millisecond, "sends left goroutines behind")
}

type blockingNotifier struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	notes []Notification
}

func newBlockingNotifier() *blockingNotifier {
	return &blockingNotifier{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingNotifier) Notify(ctx context.Context, note Notification) error {
	b.started <- struct{}{}
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes = append(b.notes, note)
	return nil
}

func (b *blockingNotifier) received() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.notes...)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newBlockingNotifier()
	d := NewDispatcher([]Notifier{sink}, DispatcherOptions{QueueSize: 1}, testLogger())

	require.True(t, d.Enqueue(Notification{Subject: "first"}))
	<-sink.started // worker holds "first"

	assert.True(t, d.Enqueue(Notification{Subject: "second"}))
	assert.False(t, d.Enqueue(Notification{Subject: "third"}))
	assert.EqualValues(t, 1, d.Dropped())

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Subject)
	assert.Equal(t, "second", got[1].Subject)
	assert.False(t, d.Enqueue(Notification{Subject: "late"}))
}

func TestDispatcherWithoutNotifiers(t *testing.T) {
	d := NewDispatcher(nil, DispatcherOptions{}, testLogger())
	assert.False(t, d.Enqueue(Notification{Subject: "x"}))
	require.NoError(t, d.Close(context.Background()))

	var nilDispatcher *Dispatcher
	assert.False(t, nilDispatcher.Enqueue(Notification{Subject: "x"}))
}

func TestDispatcherDeliver(t *testing.T) {
	ok := newBlockingNotifier()
	close(ok.release)
	d := NewDispatcher([]Notifier{&failingNotifier{}, ok}, DispatcherOptions{}, testLogger())
	defer d.Close(context.Background())
	require.NoError(t, d.Deliver(context.Background(), Notification{Subject: "partial"}))
	assert.Len(t, ok.received(), 1)

	allFail := NewDispatcher([]Notifier{&failingNotifier{}}, DispatcherOptions{}, testLogger())
	defer allFail.Close(context.Background())
	assert.Error(t, allFail.Deliver(context.Background(), Notification{Subject: "lost"}))

	var nilDispatcher *Dispatcher
	assert.True(t, errors.Is(nilDispatcher.Deliver(context.Background(), Notification{}), ErrNoChannels))
}
