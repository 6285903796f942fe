package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/latticeai/gateway/internal/catalog"
)

const (
	defaultDeliveryTimeout = 10 * time.Second
	queueBuffer            = 256
)

// DispatcherOptions tunes delivery behaviour.
type DispatcherOptions struct {
	// Timeout bounds one delivery attempt. Default: 10s.
	Timeout time.Duration

	// BackoffUnit scales the retry backoff: the wait before retry n is
	// 2^n * BackoffUnit. Default: 1s, matching "2^attempt seconds".
	// Tests shrink it.
	BackoffUnit time.Duration

	// Observe reports each delivery attempt (event type, "success" or
	// "failure") for metrics export. Optional.
	Observe func(event EventType, result string)

	Logger *slog.Logger
}

// Dispatcher fans events out to subscribed webhooks. Each webhook gets its
// own serialized queue so the events it receives arrive in trigger order;
// retries for one delivery happen inline on that queue, which keeps
// ordering intact at the cost of head-of-line blocking per webhook. The
// queue channel is the same non-blocking buffered-channel shape the
// request logger uses — when a webhook's queue is full new deliveries for
// it are dropped and logged rather than stalling TriggerEvent.
type Dispatcher struct {
	store   *Store
	client  *fasthttp.Client
	timeout time.Duration
	backoff time.Duration
	observe func(EventType, string)
	log     *slog.Logger

	mu     sync.Mutex
	queues map[string]chan deliveryJob
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

type deliveryJob struct {
	webhook *Config
	event   *Event
}

// NewDispatcher builds a Dispatcher over store. Close stops the per-webhook
// workers after they drain their queued jobs' current attempt.
func NewDispatcher(store *Store, opts DispatcherOptions) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	backoff := opts.BackoffUnit
	if backoff <= 0 {
		backoff = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		client:  &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout},
		timeout: timeout,
		backoff: backoff,
		observe: opts.Observe,
		log:     log,
		queues:  make(map[string]chan deliveryJob),
		done:    make(chan struct{}),
	}
}

// Close stops every delivery worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}

// TriggerEvent appends the event and enqueues a delivery to every active
// webhook of owner subscribed to typ. The returned Event is the appended
// record; delivery happens asynchronously.
func (d *Dispatcher) TriggerEvent(owner string, typ EventType, data any) *Event {
	ev := &Event{
		ID:    uuid.NewString(),
		TS:    time.Now(),
		Owner: owner,
		Type:  typ,
		Data:  data,
	}
	targets := d.store.appendEvent(ev)
	for _, w := range targets {
		d.enqueue(deliveryJob{webhook: w, event: ev})
	}
	return ev
}

// RetryDelivery re-attempts a specific past delivery once, synchronously,
// with the attempt counter continuing from the stored record.
func (d *Dispatcher) RetryDelivery(deliveryID, owner string) (*Delivery, *catalog.Error) {
	prev, w, ev, err := d.store.delivery(deliveryID, owner)
	if err != nil {
		return nil, err
	}
	rec := d.attempt(w, ev, prev.Attempt+1)
	return rec, nil
}

func (d *Dispatcher) enqueue(job deliveryJob) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[job.webhook.ID]
	if !ok {
		q = make(chan deliveryJob, queueBuffer)
		d.queues[job.webhook.ID] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	d.mu.Unlock()

	select {
	case q <- job:
	default:
		d.log.Warn("webhook queue full, dropping delivery",
			slog.String("webhook_id", job.webhook.ID),
			slog.String("event_id", job.event.ID),
		)
	}
}

// worker drains one webhook's queue. Deliveries retry inline so the
// webhook never observes event n+1 before the dispatcher is done with
// event n.
func (d *Dispatcher) worker(q chan deliveryJob) {
	defer d.wg.Done()
	for job := range q {
		d.deliver(job.webhook, job.event)
	}
}

// deliver runs the initial attempt plus up to webhook.Retries retries with
// exponential backoff.
func (d *Dispatcher) deliver(w *Config, ev *Event) {
	for attempt := 1; ; attempt++ {
		rec := d.attempt(w, ev, attempt)
		if rec.Success || attempt > w.Retries {
			return
		}
		select {
		case <-time.After(d.backoffFor(attempt)):
		case <-d.done:
			return
		}
	}
}

// attempt performs one HTTP POST and records the resulting Delivery.
func (d *Dispatcher) attempt(w *Config, ev *Event, attempt int) *Delivery {
	body, merr := json.Marshal(ev)
	rec := &Delivery{
		ID:        uuid.NewString(),
		WebhookID: w.ID,
		EventID:   ev.ID,
		Attempt:   attempt,
		TS:        time.Now(),
	}
	if merr != nil {
		rec.ResponseBody = "marshal event: " + merr.Error()
		d.finish(w, ev, rec)
		return rec
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set("X-Signature", Sign(w.Secret, body))
	}
	req.SetBody(body)

	if err := d.client.DoTimeout(req, resp, d.timeout); err != nil {
		rec.ResponseBody = err.Error()
	} else {
		rec.StatusCode = resp.StatusCode()
		rec.ResponseBody = string(resp.Body())
		rec.Success = rec.StatusCode >= 200 && rec.StatusCode < 300
	}

	d.finish(w, ev, rec)
	return rec
}

func (d *Dispatcher) finish(w *Config, ev *Event, rec *Delivery) {
	if !rec.Success && rec.Attempt <= w.Retries {
		next := rec.TS.Add(d.backoffFor(rec.Attempt))
		rec.NextRetry = &next
	}
	d.store.recordDelivery(rec)

	result := "failure"
	if rec.Success {
		result = "success"
	}
	if d.observe != nil {
		d.observe(ev.Type, result)
	}
	if !rec.Success {
		d.log.Warn("webhook delivery failed",
			slog.String("webhook_id", w.ID),
			slog.String("event", string(ev.Type)),
			slog.Int("attempt", rec.Attempt),
			slog.Int("status", rec.StatusCode),
		)
	}
}

// backoffFor returns 2^attempt units.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	return d.backoff * time.Duration(1<<uint(attempt))
}

// Sign computes the hex HMAC-SHA256 signature the X-Signature header
// carries. Exported so consumers can verify bodies in their tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
