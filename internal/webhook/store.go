package webhook

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticeai/gateway/internal/catalog"
)

// Store holds webhook configs, the append-only event log, and the delivery
// history. Safe for concurrent use; every per-owner query filters
// server-side.
type Store struct {
	mu         sync.RWMutex
	webhooks   map[string]*Config
	events     []*Event
	eventByID  map[string]*Event
	deliveries map[string]*Delivery
	order      []string // delivery ids in record order, for introspection
}

// NewStore creates an empty webhook store.
func NewStore() *Store {
	return &Store{
		webhooks:   make(map[string]*Config),
		eventByID:  make(map[string]*Event),
		deliveries: make(map[string]*Delivery),
	}
}

// Create registers a new webhook owned by owner. The event list must be a
// subset of the closed event-type set and retries must be within [0,10].
func (s *Store) Create(owner string, cfg Config) (*Config, *catalog.Error) {
	if cfg.URL == "" {
		return nil, &catalog.Error{Kind: catalog.KindInvalidRequest, Message: "webhook url is required"}
	}
	for _, e := range cfg.Events {
		if !ValidEventType(e) {
			return nil, &catalog.Error{
				Kind:    catalog.KindInvalidRequest,
				Message: fmt.Sprintf("unknown event type %q", e),
			}
		}
	}
	if cfg.Retries < 0 || cfg.Retries > MaxRetries {
		return nil, &catalog.Error{
			Kind:    catalog.KindInvalidRequest,
			Message: fmt.Sprintf("retries must be within [0,%d], got %d", MaxRetries, cfg.Retries),
		}
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}

	now := time.Now()
	cfg.ID = uuid.NewString()
	cfg.Owner = owner
	cfg.Active = true
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	s.mu.Lock()
	s.webhooks[cfg.ID] = &cfg
	s.mu.Unlock()

	out := cfg
	return &out, nil
}

// Get returns the webhook iff it exists and belongs to owner.
func (s *Store) Get(id, owner string) (*Config, *catalog.Error) {
	s.mu.RLock()
	w, ok := s.webhooks[id]
	s.mu.RUnlock()

	if !ok || w.Owner != owner {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "webhook not found"}
	}
	out := *w
	return &out, nil
}

// List returns every webhook owned by owner.
func (s *Store) List(owner string) []*Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Config, 0)
	for _, w := range s.webhooks {
		if w.Owner == owner {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out
}

// Update applies mutate to the webhook if owner owns it. ID, Owner, and
// CreatedAt survive the mutation untouched.
func (s *Store) Update(id, owner string, mutate func(*Config)) (*Config, *catalog.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok || w.Owner != owner {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "webhook not found"}
	}
	savedID, savedOwner, savedCreated := w.ID, w.Owner, w.CreatedAt
	mutate(w)
	w.ID, w.Owner, w.CreatedAt = savedID, savedOwner, savedCreated

	for _, e := range w.Events {
		if !ValidEventType(e) {
			return nil, &catalog.Error{
				Kind:    catalog.KindInvalidRequest,
				Message: fmt.Sprintf("unknown event type %q", e),
			}
		}
	}
	if w.Retries < 0 || w.Retries > MaxRetries {
		return nil, &catalog.Error{
			Kind:    catalog.KindInvalidRequest,
			Message: fmt.Sprintf("retries must be within [0,%d], got %d", MaxRetries, w.Retries),
		}
	}
	w.UpdatedAt = time.Now()

	out := *w
	return &out, nil
}

// Delete removes the webhook if owner owns it.
func (s *Store) Delete(id, owner string) *catalog.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok || w.Owner != owner {
		return &catalog.Error{Kind: catalog.KindNotFound, Message: "webhook not found"}
	}
	delete(s.webhooks, id)
	return nil
}

// appendEvent records ev in the append-only log and returns the active
// webhooks of ev.Owner subscribed to its type.
func (s *Store) appendEvent(ev *Event) []*Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	s.eventByID[ev.ID] = ev

	var targets []*Config
	for _, w := range s.webhooks {
		if w.Owner == ev.Owner && w.Active && w.subscribes(ev.Type) {
			cp := *w
			targets = append(targets, &cp)
		}
	}
	return targets
}

// Events returns the event log for owner in trigger order.
func (s *Store) Events(owner string) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Event, 0)
	for _, e := range s.events {
		if e.Owner == owner {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// recordDelivery appends d to the delivery history and updates the owning
// webhook's LastStatus.
func (s *Store) recordDelivery(d *Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.ID] = d
	s.order = append(s.order, d.ID)
	if w, ok := s.webhooks[d.WebhookID]; ok {
		w.LastStatus = d.StatusCode
	}
}

// Deliveries returns the delivery history for one webhook, oldest first.
func (s *Store) Deliveries(webhookID, owner string) ([]*Delivery, *catalog.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[webhookID]
	if !ok || w.Owner != owner {
		return nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "webhook not found"}
	}

	out := make([]*Delivery, 0)
	for _, id := range s.order {
		d := s.deliveries[id]
		if d.WebhookID == webhookID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// delivery resolves a delivery id to the delivery, its webhook, and its
// event, enforcing owner access through the webhook.
func (s *Store) delivery(id, owner string) (*Delivery, *Config, *Event, *catalog.Error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil, nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "delivery not found"}
	}
	w, ok := s.webhooks[d.WebhookID]
	if !ok || w.Owner != owner {
		return nil, nil, nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "delivery not found"}
	}
	ev, ok := s.eventByID[d.EventID]
	if !ok {
		return nil, nil, nil, &catalog.Error{Kind: catalog.KindNotFound, Message: "delivery not found"}
	}
	dc, wc, ec := *d, *w, *ev
	return &dc, &wc, &ec, nil
}
