package outboundwebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jhd3197/cachibot/internal/model"
)

type fakeSubscriberStore struct {
	mu        sync.Mutex
	subs      []model.OutboundWebhookSubscriber
	successes []string
	failures  []string
}

func (f *fakeSubscriberStore) ListSubscribers(ctx context.Context, botID, event string) ([]model.OutboundWebhookSubscriber, error) {
	return f.subs, nil
}

func (f *fakeSubscriberStore) RecordDeliverySuccess(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeSubscriberStore) RecordDeliveryFailure(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, id)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestDispatch_SignsPayloadAndRecordsSuccess(t *testing.T) {
	var gotSignature, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-CachiBot-Signature")
		gotEvent = r.Header.Get("X-CachiBot-Event")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeSubscriberStore{subs: []model.OutboundWebhookSubscriber{
		{ID: "sub-1", BotID: "bot-1", URL: srv.URL, Secret: "shh"},
	}}
	d, err := New(store, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Dispatch(context.Background(), "bot-1", "message.received", map[string]string{"text": "hi"})

	waitFor(t, 2*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.successes) == 1
	})

	if gotEvent != "message.received" {
		t.Errorf("expected event header forwarded, got %q", gotEvent)
	}

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(gotBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if gotSignature != expected {
		t.Errorf("expected valid HMAC signature, got %q want %q", gotSignature, expected)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("expected valid JSON body: %v", err)
	}
	if decoded["bot_id"] != "bot-1" {
		t.Errorf("expected bot_id in body, got %+v", decoded)
	}
}

func TestDispatch_SkipsSubscribersAtFailureThreshold(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeSubscriberStore{subs: []model.OutboundWebhookSubscriber{
		{ID: "sub-1", BotID: "bot-1", URL: srv.URL, FailureCount: 10},
	}}
	d, err := New(store, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Dispatch(context.Background(), "bot-1", "message.received", nil)
	time.Sleep(50 * time.Millisecond)

	if called {
		t.Error("expected excluded subscriber to not be delivered to")
	}
}

func TestDispatch_RecordsFailureAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &fakeSubscriberStore{subs: []model.OutboundWebhookSubscriber{
		{ID: "sub-1", BotID: "bot-1", URL: srv.URL},
	}}
	d, err := New(store, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Dispatch(context.Background(), "bot-1", "message.received", nil)

	waitFor(t, 10*time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.failures) == 1
	})
}
