package webhook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"worksnotify/internal/compose"
	"worksnotify/internal/dispatch"
	"worksnotify/internal/eventbus"
	"worksnotify/internal/works"
	logx "worksnotify/pkg/logx"
)

// Sender delivers a composed message. *dispatch.Dispatcher implements it.
type Sender interface {
	SendToUsers(ctx context.Context, emails []string, msg compose.Message) (dispatch.Result, error)
	SendToChannel(ctx context.Context, channelID string, msg compose.Message) (dispatch.Result, error)
}

type Config struct {
	BaseURL     string
	Routes      Routes
	DedupWindow time.Duration
}

// Outcome reports what Process did with an event.
type Outcome struct {
	Applicable bool
	Event      compose.EventType
	Deduped    bool
	// Unrouted is set when neither a channel nor any recipient was found.
	Unrouted bool
	Result   dispatch.Result
}

// Handler runs the notification pipeline for one change event at a time.
// It holds no per-request state; Apply may run concurrently with Process.
type Handler struct {
	sender Sender
	dedup  Deduper
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config
}

type Option func(*Handler)

func WithDeduper(d Deduper) Option  { return func(h *Handler) { h.dedup = d } }
func WithBus(b eventbus.Bus) Option { return func(h *Handler) { h.bus = b } }
func WithLogger(l logx.Logger) Option {
	return func(h *Handler) {
		if !l.IsZero() {
			h.log = l
		}
	}
}
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHandler(cfg Config, sender Sender, opts ...Option) *Handler {
	h := &Handler{
		sender: sender,
		log:    logx.Nop(),
		now:    time.Now,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(h)
	}
	if h.dedup == nil {
		h.dedup = NewMemoryDedup()
	}
	return h
}

func (h *Handler) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Process classifies ev and, when notifiable, composes and dispatches it.
// The returned error is non-nil only when a token could not be obtained.
func (h *Handler) Process(ctx context.Context, ev ChangeEvent) (Outcome, error) {
	t, ok := Classify(ev)
	if !ok {
		h.log.Debug("event not applicable",
			logx.String("request_id", dispatch.RequestID(ctx)),
			logx.String("table", ev.TableName()),
			logx.String("op", ev.Op()),
		)
		return Outcome{}, nil
	}
	cfg := h.config()
	out := Outcome{Applicable: true, Event: t}

	key := DedupKey(t, ev)
	claimed := false
	if cfg.DedupWindow > 0 {
		now := h.now()
		first, err := h.dedup.Claim(ctx, key, now, now.Add(cfg.DedupWindow))
		if err != nil {
			// A broken dedup store must not block notifications.
			h.log.Warn("dedup claim failed", logx.String("key", key), logx.Err(err))
		} else if !first {
			out.Deduped = true
			h.log.Info("duplicate event suppressed", logx.String("request_id", dispatch.RequestID(ctx)), logx.String("event", string(t)), logx.String("key", key))
			if h.bus != nil {
				h.bus.Publish(eventbus.Event{Type: eventbus.TopicEventDeduped, Data: key})
			}
			return out, nil
		} else {
			claimed = true
		}
	}

	msg := compose.Composer{BaseURL: cfg.BaseURL}.Compose(t, BuildPayload(t, ev))
	h.checkLink(ctx, msg)
	channel, emails := cfg.Routes.Targets(t, ev.Record)

	res, err := h.deliver(ctx, msg, channel, emails)
	out.Result = res
	out.Unrouted = channel == "" && len(emails) == 0
	if err != nil {
		if claimed {
			_ = h.dedup.Release(context.WithoutCancel(ctx), key)
		}
		return out, err
	}
	if out.Unrouted {
		h.log.Warn("no recipients configured", logx.String("event", string(t)))
	}
	return out, nil
}

// Manual is an explicit notification request that skips classification.
type Manual struct {
	Type      compose.EventType `json:"type"`
	Payload   compose.Payload   `json:"payload"`
	Emails    []string          `json:"emails,omitempty"`
	ChannelID string            `json:"channel_id,omitempty"`
}

// Notify composes m and sends it to the given targets, falling back to the
// configured routes when none are given.
func (h *Handler) Notify(ctx context.Context, m Manual) (Outcome, error) {
	cfg := h.config()
	t := compose.EventType(strings.TrimSpace(string(m.Type)))
	msg := compose.Composer{BaseURL: cfg.BaseURL}.Compose(t, m.Payload)
	if t.Known() {
		h.checkLink(ctx, msg)
	} else {
		h.log.Info("unknown notification type, sending generic text",
			logx.String("request_id", dispatch.RequestID(ctx)),
			logx.String("type", string(t)),
		)
	}

	channel, emails := strings.TrimSpace(m.ChannelID), dispatch.NormalizeEmails(m.Emails)
	if channel == "" && len(emails) == 0 {
		channel, emails = cfg.Routes.Targets(t, nil)
	}
	res, err := h.deliver(ctx, msg, channel, emails)
	return Outcome{
		Applicable: true,
		Event:      t,
		Unrouted:   channel == "" && len(emails) == 0,
		Result:     res,
	}, err
}

// checkLink warns when a templated message lost its view action because
// the record carried no id.
func (h *Handler) checkLink(ctx context.Context, msg compose.Message) {
	if msg.Action != nil {
		return
	}
	h.log.Warn("record has no id, message sent without view link",
		logx.String("request_id", dispatch.RequestID(ctx)),
		logx.String("event", string(msg.Event)),
	)
}

func (h *Handler) deliver(ctx context.Context, msg compose.Message, channel string, emails []string) (dispatch.Result, error) {
	var res dispatch.Result
	if channel != "" {
		r, err := h.sender.SendToChannel(ctx, channel, msg)
		res = res.Merge(r)
		if err != nil {
			return res, err
		}
	}
	if len(emails) > 0 {
		r, err := h.sender.SendToUsers(ctx, emails, msg)
		res = res.Merge(r)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// IsAuthError reports whether err came from token acquisition.
func IsAuthError(err error) bool { return errors.Is(err, works.ErrAuth) }
