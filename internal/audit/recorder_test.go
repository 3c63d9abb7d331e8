package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"worksnotify/internal/dispatch"
	"worksnotify/internal/eventbus"
	"worksnotify/internal/storage"
	logx "worksnotify/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memWriter struct {
	mu   sync.Mutex
	rows []storage.Delivery
}

func (w *memWriter) AppendDelivery(_ context.Context, d storage.Delivery) error {
	w.mu.Lock()
	w.rows = append(w.rows, d)
	w.mu.Unlock()
	return nil
}

func (w *memWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func TestRecorderPersistsDeliveries(t *testing.T) {
	bus := eventbus.New()
	w := &memWriter{}
	rec := New(bus, w, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	bus.Publish(eventbus.Event{Type: "noise"})
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: eventbus.TopicDeliverySent, Data: dispatch.Delivery{
		RequestID: "r1", Event: "project_created", Kind: dispatch.KindUser, Target: "a@example.com",
		OK: true, Took: 120 * time.Millisecond, At: at,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TopicDeliveryFailed, Data: dispatch.Delivery{
		RequestID: "r1", Event: "project_created", Kind: dispatch.KindUser, Target: "b@example.com",
		Err: "works: user not found", At: at,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TopicEventDeduped, Data: "projects|UPDATE|7"})

	require.Eventually(t, func() bool { return w.len() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.Stats().Deduped == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, storage.Delivery{
		RequestID: "r1", Event: "project_created", Kind: "user", Target: "a@example.com",
		OK: true, TookMS: 120, At: at,
	}, w.rows[0])
	assert.Equal(t, "works: user not found", w.rows[1].Error)
	assert.False(t, w.rows[1].OK)

	st := rec.Stats()
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, int64(1), st.Failed)
	assert.Zero(t, st.WriteErr)
}

func TestRecorderWithoutBus(t *testing.T) {
	rec := New(nil, nil, logx.Logger{})
	assert.Error(t, rec.Run(context.Background()))
}
