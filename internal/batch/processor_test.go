package batch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latticeai/gateway/internal/catalog"
)

func childReq(content string) catalog.ModelRequest {
	return catalog.ModelRequest{
		Model:    "openai/gpt-4o",
		Messages: []catalog.ChatMessage{{Role: "user", Text: content}},
	}
}

func okDispatch(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
	return &catalog.ModelResponse{
		ID:    "resp-" + req.Messages[0].Text,
		Model: req.Model,
		Choices: []catalog.Choice{
			{Message: catalog.ChatMessage{Role: "assistant", Text: "echo:" + req.Messages[0].Text}},
		},
	}, nil
}

func waitTerminal(t *testing.T, p *Processor, id, owner string) *Batch {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := p.Get(id, owner)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if b.State == StateCompleted || b.State == StateFailed {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch %s never reached a terminal state", id)
	return nil
}

func TestBatchHappyPath(t *testing.T) {
	p := NewProcessor(context.Background(), okDispatch, Options{})
	defer p.Close()

	reqs := []catalog.ModelRequest{childReq("a"), childReq("b"), childReq("c")}
	b, invalid, err := p.Create("ws-1", reqs, CreateOptions{Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(invalid) != 0 {
		t.Fatalf("expected no invalid children, got %d", len(invalid))
	}
	if b.State != StatePending {
		t.Fatalf("new batch state = %s, want pending", b.State)
	}

	done := waitTerminal(t, p, b.ID, "ws-1")
	if done.State != StateCompleted {
		t.Fatalf("state = %s, want completed", done.State)
	}
	if done.CompletedCount+done.FailedCount != 3 {
		t.Fatalf("completed+failed = %d, want 3", done.CompletedCount+done.FailedCount)
	}
	if done.CompletedAt == nil {
		t.Fatal("terminal batch must set CompletedAt")
	}
	// Results align 1:1 with requests.
	for i, want := range []string{"a", "b", "c"} {
		r := done.Results[i]
		if r == nil || r.Response == nil {
			t.Fatalf("results[%d] missing", i)
		}
		if got := r.Response.Choices[0].Message.Text; got != "echo:"+want {
			t.Fatalf("results[%d] = %q, want echo:%s", i, got, want)
		}
	}
}

func TestBatchChildFailureStoredNotThrown(t *testing.T) {
	dispatch := func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
		if req.Messages[0].Text == "boom" {
			return nil, &catalog.Error{Kind: catalog.KindUpstreamError, Message: "upstream exploded"}
		}
		return okDispatch(ctx, owner, req)
	}
	p := NewProcessor(context.Background(), dispatch, Options{})
	defer p.Close()

	b, _, err := p.Create("ws-1", []catalog.ModelRequest{childReq("ok"), childReq("boom")}, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done := waitTerminal(t, p, b.ID, "ws-1")

	if done.State != StateCompleted {
		t.Fatalf("state = %s, want completed (child failures do not fail the batch)", done.State)
	}
	if done.CompletedCount != 1 || done.FailedCount != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", done.CompletedCount, done.FailedCount)
	}
	if done.Results[1] == nil || done.Results[1].Error != "upstream exploded" {
		t.Fatalf("results[1] should carry the error message, got %+v", done.Results[1])
	}
}

func TestBatchIntakeValidation(t *testing.T) {
	validate := func(req *catalog.ModelRequest) *catalog.Error {
		if len(req.Messages) == 0 {
			return &catalog.Error{Kind: catalog.KindInvalidRequest, Message: "messages must be non-empty"}
		}
		return nil
	}
	p := NewProcessor(context.Background(), okDispatch, Options{Validate: validate})
	defer p.Close()

	t.Run("partial", func(t *testing.T) {
		b, invalid, err := p.Create("ws-1", []catalog.ModelRequest{
			childReq("good"),
			{Model: "openai/gpt-4o"}, // no messages
		}, CreateOptions{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if len(invalid) != 1 || invalid[0].Index != 1 {
			t.Fatalf("invalid = %+v, want one entry at index 1", invalid)
		}
		if b.RequestCount != 1 {
			t.Fatalf("RequestCount = %d, want 1 (only valid children accepted)", b.RequestCount)
		}
	})

	t.Run("all invalid", func(t *testing.T) {
		_, invalid, err := p.Create("ws-1", []catalog.ModelRequest{{Model: "x"}}, CreateOptions{})
		if err == nil {
			t.Fatal("expected the batch to be rejected when every child is invalid")
		}
		if err.Kind != catalog.KindInvalidRequest {
			t.Fatalf("kind = %s, want INVALID_REQUEST", err.Kind)
		}
		if len(invalid) != 1 {
			t.Fatalf("invalid children must still be reported, got %d", len(invalid))
		}
	})
}

func TestBatchConcurrencyBound(t *testing.T) {
	var inFlight, peak int64
	block := make(chan struct{})
	dispatch := func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		<-block
		atomic.AddInt64(&inFlight, -1)
		return okDispatch(ctx, owner, req)
	}

	p := NewProcessor(context.Background(), dispatch, Options{MaxConcurrent: 2})
	defer p.Close()

	reqs := make([]catalog.ModelRequest, 6)
	for i := range reqs {
		reqs[i] = childReq("x")
	}
	b, _, err := p.Create("ws-1", reqs, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	waitTerminal(t, p, b.ID, "ws-1")

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("peak in-flight dispatches = %d, want ≤ 2", got)
	}
}

func TestBatchCountersMonotonic(t *testing.T) {
	release := make(chan struct{})
	dispatch := func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
		<-release
		return okDispatch(ctx, owner, req)
	}
	p := NewProcessor(context.Background(), dispatch, Options{MaxConcurrent: 1})
	defer p.Close()

	reqs := make([]catalog.ModelRequest, 4)
	for i := range reqs {
		reqs[i] = childReq("x")
	}
	b, _, err := p.Create("ws-1", reqs, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var mu sync.Mutex
	var stop bool
	observer := make(chan struct{})
	go func() {
		defer close(observer)
		lastDone, lastFailed := 0, 0
		for {
			mu.Lock()
			s := stop
			mu.Unlock()
			if s {
				return
			}
			cur, err := p.Get(b.ID, "ws-1")
			if err != nil {
				return
			}
			if cur.CompletedCount < lastDone || cur.FailedCount < lastFailed {
				t.Errorf("counters went backwards: %d/%d after %d/%d",
					cur.CompletedCount, cur.FailedCount, lastDone, lastFailed)
				return
			}
			if cur.CompletedCount+cur.FailedCount > cur.RequestCount {
				t.Errorf("completed+failed = %d exceeds request_count %d",
					cur.CompletedCount+cur.FailedCount, cur.RequestCount)
				return
			}
			lastDone, lastFailed = cur.CompletedCount, cur.FailedCount
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < len(reqs); i++ {
		release <- struct{}{}
	}
	waitTerminal(t, p, b.ID, "ws-1")

	mu.Lock()
	stop = true
	mu.Unlock()
	<-observer
}

func TestBatchCancel(t *testing.T) {
	hold := make(chan struct{})
	dispatch := func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
		<-hold
		return okDispatch(ctx, owner, req)
	}
	p := NewProcessor(context.Background(), dispatch, Options{MaxConcurrent: 1})
	defer p.Close()
	defer close(hold)

	// First batch occupies the scheduler so the second stays pending.
	first, _, err := p.Create("ws-1", []catalog.ModelRequest{childReq("slow")}, CreateOptions{})
	if err != nil {
		t.Fatalf("Create first: %v", err)
	}
	second, _, err := p.Create("ws-1", []catalog.ModelRequest{childReq("queued")}, CreateOptions{})
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}

	// Wait until the first batch has been picked up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := p.Get(first.ID, "ws-1")
		if cur.State == StateProcessing {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := p.Cancel(second.ID, "ws-1"); err != nil {
		t.Fatalf("Cancel pending batch: %v", err)
	}
	cancelled, _ := p.Get(second.ID, "ws-1")
	if cancelled.State != StateFailed || cancelled.Error != "cancelled" {
		t.Fatalf("cancelled batch = %s/%q, want failed/cancelled", cancelled.State, cancelled.Error)
	}
	if cancelled.CompletedAt == nil {
		t.Fatal("cancelled batch must set CompletedAt")
	}

	if err := p.Cancel(first.ID, "ws-1"); err == nil {
		t.Fatal("cancelling a processing batch must fail")
	} else if !strings.Contains(err.Message, "processing") {
		t.Fatalf("unexpected cancel error: %v", err)
	}

	if err := p.Cancel(second.ID, "ws-2"); err == nil || err.Kind != catalog.KindNotFound {
		t.Fatalf("cancel by non-owner must be NOT_FOUND, got %v", err)
	}
}

func TestBatchPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	hold := make(chan struct{})
	dispatch := func(ctx context.Context, owner string, req *catalog.ModelRequest) (*catalog.ModelResponse, *catalog.Error) {
		if req.Messages[0].Text == "gate" {
			<-hold
			return okDispatch(ctx, owner, req)
		}
		mu.Lock()
		order = append(order, req.Messages[0].Text)
		mu.Unlock()
		return okDispatch(ctx, owner, req)
	}
	p := NewProcessor(context.Background(), dispatch, Options{MaxConcurrent: 1})
	defer p.Close()

	// Occupy the scheduler, then enqueue low, normal, high, and a second
	// low — expect high, normal, low (FIFO within priority) afterwards.
	gate, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("gate")}, CreateOptions{Priority: PriorityHigh})
	low1, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("low-1")}, CreateOptions{Priority: PriorityLow})
	normal, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("normal")}, CreateOptions{Priority: PriorityNormal})
	high, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("high")}, CreateOptions{Priority: PriorityHigh})
	low2, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("low-2")}, CreateOptions{Priority: PriorityLow})

	close(hold)
	for _, b := range []*Batch{gate, low1, normal, high, low2} {
		waitTerminal(t, p, b.ID, "ws-1")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal", "low-1", "low-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBatchCompletedCallback(t *testing.T) {
	var mu sync.Mutex
	var got []Summary
	p := NewProcessor(context.Background(), okDispatch, Options{
		OnCompleted: func(owner string, s Summary) {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		},
	})
	defer p.Close()

	withCB, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("a")}, CreateOptions{CallbackURL: "https://example.com/hook"})
	noCB, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("b")}, CreateOptions{})
	waitTerminal(t, p, withCB.ID, "ws-1")
	waitTerminal(t, p, noCB.ID, "ws-1")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("callback fired %d times, want exactly 1 (only batches with a callback URL)", len(got))
	}
	if got[0].ID != withCB.ID || got[0].State != StateCompleted || got[0].CompletedCount != 1 {
		t.Fatalf("unexpected summary: %+v", got[0])
	}
}

func TestBatchOwnerIsolation(t *testing.T) {
	p := NewProcessor(context.Background(), okDispatch, Options{})
	defer p.Close()

	b, _, _ := p.Create("ws-1", []catalog.ModelRequest{childReq("a")}, CreateOptions{})
	waitTerminal(t, p, b.ID, "ws-1")

	if _, err := p.Get(b.ID, "ws-2"); err == nil || err.Kind != catalog.KindNotFound {
		t.Fatalf("cross-owner Get must be NOT_FOUND, got %v", err)
	}
	if got := p.List("ws-2"); len(got) != 0 {
		t.Fatalf("cross-owner List leaked %d batches", len(got))
	}
	if got := p.List("ws-1"); len(got) != 1 {
		t.Fatalf("owner List = %d batches, want 1", len(got))
	}
}
