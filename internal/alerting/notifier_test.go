package alerting

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testMessage() Message {
	return Message{
		AttemptID:   "6f1c1c53-7f69-4c1a-8bb5-4b0c5d1b9a01",
		AlertID:     11,
		Channel:     storage.ChannelTelegram,
		Destination: "Lisbon",
		RouteKey:    "LIS-sky",
		Price:       decimal.RequireFromString("480"),
		Currency:    "USD",
		Threshold:   decimal.RequireFromString("500"),
		Direction:   storage.DirectionBelow,
		ObservedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Recipient: storage.Recipient{
			OwnerID:        1,
			Email:          "owner@example.com",
			Phone:          "+15550001111",
			TelegramChatID: "chat",
		},
	}
}

func TestTelegramSenderSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", srv.URL, time.Second, testLogger())
	if err := sender.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "480.00 USD") {
		t.Fatalf("text 应包含价格: %q", received["text"])
	}
}

func TestTelegramSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", srv.URL, time.Second, testLogger())
	if err := sender.Send(context.Background(), testMessage()); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("ok=false 应报 ErrSendFailed, got %v", err)
	}
}

func TestTelegramSenderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sender := NewTelegramSender("token", srv.URL, 5*time.Second, testLogger())
	if err := sender.Send(ctx, testMessage()); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}
}

func TestSendersRequireRecipient(t *testing.T) {
	msg := testMessage()
	msg.Recipient = storage.Recipient{OwnerID: 1}

	senders := []Sender{
		NewTelegramSender("token", "http://127.0.0.1:1", time.Second, testLogger()),
		NewSMSSender(SMSOptions{AccountSID: "AC1", AuthToken: "t", From: "+1"}, testLogger()),
		NewPushSender(PushOptions{}, testLogger()),
		NewEmailSender(EmailOptions{Host: "localhost", From: "alerts@example.com"}, testLogger()),
	}
	for _, s := range senders {
		err := s.Send(context.Background(), msg)
		if !errors.Is(err, ErrNoRecipient) || !errors.Is(err, ErrSendFailed) {
			t.Fatalf("%s: expected ErrNoRecipient, got %v", s.Channel(), err)
		}
	}
}

func TestSMSSenderPostsForm(t *testing.T) {
	var (
		gotPath string
		gotBody string
		gotUser string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotBody = r.PostForm.Get("To") + "|" + r.PostForm.Get("From")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM1", "status": "queued"})
	}))
	defer srv.Close()

	sender := NewSMSSender(SMSOptions{AccountSID: "AC1", AuthToken: "secret", From: "+15559990000", APIBase: srv.URL}, testLogger())
	if err := sender.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("sms send: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Messages.json" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotUser != "AC1" {
		t.Fatalf("basic auth user %q", gotUser)
	}
	if gotBody != "+15550001111|+15559990000" {
		t.Fatalf("unexpected form %q", gotBody)
	}
}

func TestSMSSenderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 21211, "message": "invalid To"})
	}))
	defer srv.Close()

	sender := NewSMSSender(SMSOptions{AccountSID: "AC1", AuthToken: "secret", From: "+1", APIBase: srv.URL}, testLogger())
	err := sender.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrSendFailed) || !strings.Contains(err.Error(), "invalid To") {
		t.Fatalf("expected twilio error, got %v", err)
	}
}

func TestEmailSenderComposesMIME(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotRaw  string
	)
	sender := NewEmailSender(EmailOptions{Host: "smtp.example.com", Port: 2525, From: "alerts@example.com"}, testLogger())
	sender.sendMail = func(addr string, _ sasl.Client, from string, to []string, r io.Reader) error {
		gotAddr = addr
		gotTo = to
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		gotRaw = buf.String()
		return nil
	}

	if err := sender.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("email send: %v", err)
	}
	if gotAddr != "smtp.example.com:2525" {
		t.Fatalf("unexpected addr %s", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "owner@example.com" {
		t.Fatalf("unexpected rcpt %v", gotTo)
	}
	if !strings.Contains(gotRaw, "Subject: Price alert: Lisbon 480.00 USD") {
		t.Fatalf("subject missing from %q", gotRaw)
	}
	if !strings.Contains(gotRaw, "text/plain") {
		t.Fatalf("content type missing from %q", gotRaw)
	}
}

func TestEmailSenderHonoursDeadline(t *testing.T) {
	sender := NewEmailSender(EmailOptions{Host: "smtp.example.com", From: "alerts@example.com"}, testLogger())
	block := make(chan struct{})
	defer close(block)
	sender.sendMail = func(string, sasl.Client, string, []string, io.Reader) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sender.Send(ctx, testMessage()); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected ErrSendTimeout, got %v", err)
	}
}

func TestPushSenderDelivers(t *testing.T) {
	var auth, ttl string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ttl = r.Header.Get("TTL")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	vapidPrivate, vapidPublic, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate vapid keys: %v", err)
	}
	clientKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	authSecret := make([]byte, 16)
	_, _ = rand.Read(authSecret)

	msg := testMessage()
	msg.Recipient.PushEndpoint = srv.URL + "/push/abc"
	msg.Recipient.PushP256dh = base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes())
	msg.Recipient.PushAuth = base64.RawURLEncoding.EncodeToString(authSecret)

	sender := NewPushSender(PushOptions{
		VAPIDPublicKey:  vapidPublic,
		VAPIDPrivateKey: vapidPrivate,
		Subscriber:      "alerts@example.com",
		TTL:             time.Minute,
	}, testLogger())

	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("push send: %v", err)
	}
	if !strings.HasPrefix(auth, "vapid ") {
		t.Fatalf("expected vapid authorization, got %q", auth)
	}
	if ttl != "60" {
		t.Fatalf("expected TTL 60, got %q", ttl)
	}
}

func TestPushSenderGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	vapidPrivate, vapidPublic, _ := webpush.GenerateVAPIDKeys()
	clientKey, _ := ecdh.P256().GenerateKey(rand.Reader)
	msg := testMessage()
	msg.Recipient.PushEndpoint = srv.URL
	msg.Recipient.PushP256dh = base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes())
	msg.Recipient.PushAuth = base64.RawURLEncoding.EncodeToString(make([]byte, 16))

	sender := NewPushSender(PushOptions{VAPIDPublicKey: vapidPublic, VAPIDPrivateKey: vapidPrivate, Subscriber: "a@example.com"}, testLogger())
	if err := sender.Send(context.Background(), msg); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
}

func TestRouterAndClassify(t *testing.T) {
	r := NewRouter(
		NewTelegramSender("t", "", time.Second, testLogger()),
		NewSMSSender(SMSOptions{}, testLogger()),
	)
	if _, ok := r.Sender(storage.ChannelTelegram); !ok {
		t.Fatal("telegram sender should be routed")
	}
	if _, ok := r.Sender(storage.ChannelEmail); ok {
		t.Fatal("email sender was never registered")
	}
	if got := r.Channels(); len(got) != 2 || got[0] != storage.ChannelSMS {
		t.Fatalf("unexpected channels %v", got)
	}

	if err := Classify(context.Background(), context.DeadlineExceeded); !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("deadline should classify as timeout, got %v", err)
	}
	if err := Classify(context.Background(), errors.New("550 mailbox unavailable")); !errors.Is(err, ErrSendFailed) {
		t.Fatalf("rejection should classify as failed, got %v", err)
	}
}
