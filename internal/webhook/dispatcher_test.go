package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

// received is one request captured by the test sink.
type received struct {
	body      []byte
	signature string
	headers   http.Header
}

// sink is an httptest webhook receiver that can be told to fail the first
// N requests.
type sink struct {
	mu       sync.Mutex
	got      []received
	failures int
	srv      *httptest.Server
}

func newSink(t *testing.T) *sink {
	t.Helper()
	s := &sink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.got = append(s.got, received{
			body:      body,
			signature: r.Header.Get("X-Signature"),
			headers:   r.Header.Clone(),
		})
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *sink) waitFor(t *testing.T, n int) []received {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.got) >= n {
			out := append([]received{}, s.got...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink received %d requests, want at least %d", s.count(), n)
	return nil
}

func testDispatcher(t *testing.T, store *Store) *Dispatcher {
	t.Helper()
	d := NewDispatcher(store, DispatcherOptions{
		Timeout:     2 * time.Second,
		BackoffUnit: time.Millisecond,
	})
	t.Cleanup(d.Close)
	return d
}

func TestStoreCRUDAndOwnership(t *testing.T) {
	store := NewStore()

	w, err := store.Create("ws-1", Config{
		URL:    "https://example.com/hook",
		Name:   "alerts",
		Events: []EventType{EventRequestFailed},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Retries != DefaultRetries {
		t.Fatalf("default retries = %d, want %d", w.Retries, DefaultRetries)
	}
	if !w.Active {
		t.Fatal("new webhooks must be active")
	}

	if _, err := store.Get(w.ID, "ws-2"); err == nil || err.Kind != catalog.KindNotFound {
		t.Fatalf("cross-owner Get = %v, want NOT_FOUND", err)
	}
	if _, err := store.Update(w.ID, "ws-2", func(c *Config) { c.Active = false }); err == nil {
		t.Fatal("cross-owner Update must fail")
	}
	if err := store.Delete(w.ID, "ws-2"); err == nil {
		t.Fatal("cross-owner Delete must fail")
	}

	updated, uerr := store.Update(w.ID, "ws-1", func(c *Config) {
		c.Name = "renamed"
		c.ID = "forged"
		c.Owner = "ws-2"
	})
	if uerr != nil {
		t.Fatalf("Update: %v", uerr)
	}
	if updated.ID != w.ID || updated.Owner != "ws-1" {
		t.Fatal("Update must not let the mutation change id or owner")
	}
	if updated.Name != "renamed" {
		t.Fatalf("Name = %q, want renamed", updated.Name)
	}

	if err := store.Delete(w.ID, "ws-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := store.List("ws-1"); len(got) != 0 {
		t.Fatalf("List after delete = %d, want 0", len(got))
	}
}

func TestStoreRejectsUnknownEventType(t *testing.T) {
	store := NewStore()
	_, err := store.Create("ws-1", Config{URL: "https://x", Events: []EventType{"request.exploded"}})
	if err == nil || err.Kind != catalog.KindInvalidRequest {
		t.Fatalf("err = %v, want INVALID_REQUEST", err)
	}
	_, err = store.Create("ws-1", Config{URL: "https://x", Retries: 11})
	if err == nil || err.Kind != catalog.KindInvalidRequest {
		t.Fatalf("retries=11 err = %v, want INVALID_REQUEST", err)
	}
}

func TestTriggerEventDelivers(t *testing.T) {
	recv := newSink(t)
	store := NewStore()
	d := testDispatcher(t, store)

	w, _ := store.Create("ws-1", Config{
		URL:     recv.srv.URL,
		Events:  []EventType{EventRequestCompleted},
		Secret:  "s3cret",
		Headers: map[string]string{"X-Env": "test"},
	})

	ev := d.TriggerEvent("ws-1", EventRequestCompleted, map[string]string{"model": "openai/gpt-4o"})
	got := recv.waitFor(t, 1)

	var delivered Event
	if err := json.Unmarshal(got[0].body, &delivered); err != nil {
		t.Fatalf("body is not a JSON event: %v", err)
	}
	if delivered.ID != ev.ID || delivered.Type != EventRequestCompleted {
		t.Fatalf("delivered event = %+v, want id %s", delivered, ev.ID)
	}
	if got[0].signature != Sign("s3cret", got[0].body) {
		t.Fatal("X-Signature must be hex(HMAC-SHA256(secret, body))")
	}
	if got[0].headers.Get("X-Env") != "test" {
		t.Fatal("custom headers must be applied to deliveries")
	}
	if ct := got[0].headers.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}

	hist, herr := store.Deliveries(w.ID, "ws-1")
	if herr != nil {
		t.Fatalf("Deliveries: %v", herr)
	}
	if len(hist) != 1 || !hist[0].Success || hist[0].StatusCode != 200 {
		t.Fatalf("history = %+v, want one successful 200 delivery", hist)
	}

	cfg, _ := store.Get(w.ID, "ws-1")
	if cfg.LastStatus != 200 {
		t.Fatalf("LastStatus = %d, want 200", cfg.LastStatus)
	}
}

func TestTriggerEventFiltering(t *testing.T) {
	recv := newSink(t)
	store := NewStore()
	d := testDispatcher(t, store)

	// Subscribed to a different event type.
	store.Create("ws-1", Config{URL: recv.srv.URL, Events: []EventType{EventCreditLow}})
	// Right type, wrong owner.
	store.Create("ws-2", Config{URL: recv.srv.URL, Events: []EventType{EventRequestFailed}})
	// Right type and owner, but inactive.
	inactive, _ := store.Create("ws-1", Config{URL: recv.srv.URL, Events: []EventType{EventRequestFailed}})
	store.Update(inactive.ID, "ws-1", func(c *Config) { c.Active = false })

	d.TriggerEvent("ws-1", EventRequestFailed, nil)
	time.Sleep(100 * time.Millisecond)

	if n := recv.count(); n != 0 {
		t.Fatalf("sink received %d deliveries, want 0", n)
	}
	if evs := store.Events("ws-1"); len(evs) != 1 {
		t.Fatalf("event log = %d entries, want 1 (events append even with no subscribers)", len(evs))
	}
}

func TestDeliveryRetriesWithBackoff(t *testing.T) {
	recv := newSink(t)
	recv.failures = 2
	store := NewStore()
	d := testDispatcher(t, store)

	w, _ := store.Create("ws-1", Config{URL: recv.srv.URL, Events: []EventType{EventError}, Retries: 3})
	d.TriggerEvent("ws-1", EventError, nil)

	recv.waitFor(t, 3) // two failures then a success

	deadline := time.Now().Add(2 * time.Second)
	var hist []*Delivery
	for time.Now().Before(deadline) {
		hist, _ = store.Deliveries(w.ID, "ws-1")
		if len(hist) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(hist) != 3 {
		t.Fatalf("delivery history = %d, want 3", len(hist))
	}
	for i, want := range []bool{false, false, true} {
		if hist[i].Success != want {
			t.Fatalf("attempt %d success = %v, want %v", i+1, hist[i].Success, want)
		}
		if hist[i].Attempt != i+1 {
			t.Fatalf("attempt counter = %d, want %d", hist[i].Attempt, i+1)
		}
	}
	if hist[0].NextRetry == nil || hist[1].NextRetry == nil {
		t.Fatal("failed attempts with retries left must set next_retry")
	}
	if hist[2].NextRetry != nil {
		t.Fatal("a successful attempt must not set next_retry")
	}
}

func TestDeliveryExhaustsRetries(t *testing.T) {
	recv := newSink(t)
	recv.failures = 100
	store := NewStore()
	d := testDispatcher(t, store)

	w, _ := store.Create("ws-1", Config{URL: recv.srv.URL, Events: []EventType{EventError}, Retries: 2})
	d.TriggerEvent("ws-1", EventError, nil)

	recv.waitFor(t, 3) // initial attempt + 2 retries
	time.Sleep(50 * time.Millisecond)
	if n := recv.count(); n != 3 {
		t.Fatalf("attempts = %d, want exactly 3", n)
	}

	cfg, _ := store.Get(w.ID, "ws-1")
	if cfg.LastStatus != http.StatusInternalServerError {
		t.Fatalf("LastStatus = %d, want 500", cfg.LastStatus)
	}
}

func TestPerWebhookOrdering(t *testing.T) {
	recv := newSink(t)
	store := NewStore()
	d := testDispatcher(t, store)

	store.Create("ws-1", Config{URL: recv.srv.URL, Events: []EventType{EventRequestCompleted}})

	var ids []string
	for i := 0; i < 10; i++ {
		ev := d.TriggerEvent("ws-1", EventRequestCompleted, i)
		ids = append(ids, ev.ID)
	}
	got := recv.waitFor(t, 10)

	for i, r := range got {
		var ev Event
		if err := json.Unmarshal(r.body, &ev); err != nil {
			t.Fatalf("unmarshal delivery %d: %v", i, err)
		}
		if ev.ID != ids[i] {
			t.Fatalf("delivery %d carried event %s, want %s (trigger order)", i, ev.ID, ids[i])
		}
	}
}

func TestRetryDelivery(t *testing.T) {
	recv := newSink(t)
	recv.failures = 100
	store := NewStore()
	d := testDispatcher(t, store)

	w, _ := store.Create("ws-1", Config{URL: recv.srv.URL, Events: []EventType{EventError}, Retries: 1})
	d.TriggerEvent("ws-1", EventError, nil)
	recv.waitFor(t, 2)

	// Let the upstream recover, then replay the failed delivery by hand.
	recv.mu.Lock()
	recv.failures = 0
	recv.mu.Unlock()

	hist, _ := store.Deliveries(w.ID, "ws-1")
	last := hist[len(hist)-1]

	rec, err := d.RetryDelivery(last.ID, "ws-1")
	if err != nil {
		t.Fatalf("RetryDelivery: %v", err)
	}
	if !rec.Success {
		t.Fatalf("manual retry should have succeeded: %+v", rec)
	}
	if rec.Attempt != last.Attempt+1 {
		t.Fatalf("attempt = %d, want %d", rec.Attempt, last.Attempt+1)
	}

	if _, err := d.RetryDelivery(last.ID, "ws-2"); err == nil || err.Kind != catalog.KindNotFound {
		t.Fatalf("cross-owner RetryDelivery = %v, want NOT_FOUND", err)
	}
}
