// Package audit persists delivery outcomes published on the event bus.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"worksnotify/internal/dispatch"
	"worksnotify/internal/eventbus"
	"worksnotify/internal/storage"
	logx "worksnotify/pkg/logx"
)

// Writer is the store subset the recorder needs.
type Writer interface {
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

// Stats counts recorder activity since start.
type Stats struct {
	Sent     int64     `json:"sent"`
	Failed   int64     `json:"failed"`
	Deduped  int64     `json:"deduped"`
	WriteErr int64     `json:"write_errors"`
	LastAt   time.Time `json:"last_at,omitzero"`
}

// Recorder drains the bus into the store. Writes are best-effort: a failed
// write is logged and counted, never retried.
type Recorder struct {
	bus   eventbus.Bus
	store Writer
	log   logx.Logger

	writeTimeout time.Duration
	events       <-chan eventbus.Event
	unsub        func()

	mu    sync.Mutex
	stats Stats
}

func New(bus eventbus.Bus, store Writer, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{bus: bus, store: store, log: log, writeTimeout: 2 * time.Second}
	// Subscribe now so nothing published before Run is missed.
	if bus != nil {
		r.events, r.unsub = bus.Subscribe(256)
	}
	return r
}

// Run records until ctx is done. It is meant to be called once.
func (r *Recorder) Run(ctx context.Context) error {
	if r.events == nil {
		return errors.New("audit: no event bus")
	}
	defer r.unsub()
	ch := r.events
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TopicEventDeduped:
		r.mu.Lock()
		r.stats.Deduped++
		r.mu.Unlock()
		return
	case eventbus.TopicDeliverySent, eventbus.TopicDeliveryFailed:
	default:
		return
	}
	d, ok := ev.Data.(dispatch.Delivery)
	if !ok {
		return
	}

	r.mu.Lock()
	if d.OK {
		r.stats.Sent++
	} else {
		r.stats.Failed++
	}
	r.stats.LastAt = d.At
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	err := r.store.AppendDelivery(wctx, toRow(d))
	cancel()
	if err != nil {
		r.mu.Lock()
		r.stats.WriteErr++
		r.mu.Unlock()
		r.log.Warn("audit write failed", logx.String("target", d.Target), logx.Err(err))
	}
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func toRow(d dispatch.Delivery) storage.Delivery {
	return storage.Delivery{
		RequestID: d.RequestID,
		Event:     d.Event,
		Kind:      d.Kind,
		Target:    d.Target,
		OK:        d.OK,
		Error:     d.Err,
		TookMS:    d.Took.Milliseconds(),
		At:        d.At,
	}
}
