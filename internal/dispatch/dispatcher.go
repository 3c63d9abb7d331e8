package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"worksnotify/internal/compose"
	"worksnotify/internal/eventbus"
	"worksnotify/internal/works"
	logx "worksnotify/pkg/logx"
)

// Platform is the subset of the chat client the dispatcher needs.
type Platform interface {
	ResolveUserID(ctx context.Context, email string) (string, error)
	SendToUser(ctx context.Context, userID string, content works.Content) error
	SendToChannel(ctx context.Context, channelID string, content works.Content) error
}

type Config struct {
	// Concurrency bounds in-flight recipients per call (default 8).
	Concurrency int
	// RatePerSec limits outbound sends across all calls (default 10).
	RatePerSec int
}

// Dispatcher delivers composed messages. Recipient failures are logged and
// counted but never fail the call; only token acquisition can.
type Dispatcher struct {
	platform Platform
	tokens   works.TokenSource
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, platform Platform, tokens works.TokenSource, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		platform: platform,
		tokens:   tokens,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the concurrency and rate settings. The limiter is replaced
// only when the rate changes, so a reload does not refill the bucket.
// In-flight calls keep the limiter they started with.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	d.mu.Lock()
	if d.limiter == nil || d.cfg.RatePerSec != cfg.RatePerSec {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.cfg = cfg
	d.mu.Unlock()
}

// SendToUsers resolves every address and sends msg to each one
// concurrently. It returns an error only when no token can be obtained, in
// which case nothing is sent.
func (d *Dispatcher) SendToUsers(ctx context.Context, emails []string, msg compose.Message) (Result, error) {
	targets := NormalizeEmails(emails)
	res := Result{Total: len(targets)}
	if len(targets) == 0 {
		return res, nil
	}
	if _, err := d.tokens.AccessToken(ctx); err != nil {
		return res, err
	}

	d.mu.Lock()
	cfg, lim := d.cfg, d.limiter
	d.mu.Unlock()

	start := d.now()
	content := msg.Content()
	outcomes := make([]Delivery, len(targets))

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, email := range targets {
		g.Go(func() error {
			outcomes[i] = d.deliver(ctx, lim, msg.Event, KindUser, email, func(ctx context.Context) error {
				uid, err := d.platform.ResolveUserID(ctx, email)
				if err != nil {
					return err
				}
				return d.platform.SendToUser(ctx, uid, content)
			})
			return nil
		})
	}
	_ = g.Wait()

	res.collect(outcomes)
	d.summarize(msg.Event, KindUser, res, d.now().Sub(start))
	return res, nil
}

// SendToChannel posts msg to one channel. Like SendToUsers, a delivery
// failure is reported in the Result, not as an error.
func (d *Dispatcher) SendToChannel(ctx context.Context, channelID string, msg compose.Message) (Result, error) {
	channelID = strings.TrimSpace(channelID)
	res := Result{Total: 1}
	if channelID == "" {
		return Result{}, nil
	}
	if _, err := d.tokens.AccessToken(ctx); err != nil {
		return res, err
	}
	d.mu.Lock()
	lim := d.limiter
	d.mu.Unlock()

	content := msg.Content()
	out := d.deliver(ctx, lim, msg.Event, KindChannel, channelID, func(ctx context.Context) error {
		return d.platform.SendToChannel(ctx, channelID, content)
	})
	res.collect([]Delivery{out})
	d.summarize(msg.Event, KindChannel, res, out.Took)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, lim *rate.Limiter, event compose.EventType, kind, target string, send func(context.Context) error) (out Delivery) {
	start := d.now()
	out = Delivery{
		RequestID: RequestID(ctx),
		Event:     string(event),
		Kind:      kind,
		Target:    target,
		At:        start,
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in delivery", logx.String("target", target), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out.Err = fmt.Sprintf("panic: %v", r)
		}
		out.Took = d.now().Sub(start)
		out.OK = out.Err == ""
		d.publish(out)
	}()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			out.Err = err.Error()
			return out
		}
	}
	if err := send(ctx); err != nil {
		out.Err = err.Error()
		fields := []logx.Field{
			logx.String("request_id", out.RequestID),
			logx.String("event", out.Event),
			logx.String("kind", kind),
			logx.String("target", target),
			logx.Err(err),
		}
		if errors.Is(err, works.ErrUserNotFound) {
			d.log.Info("recipient unknown", fields...)
		} else {
			d.log.Warn("delivery failed", fields...)
		}
	}
	return out
}

func (d *Dispatcher) publish(out Delivery) {
	if d.bus == nil {
		return
	}
	topic := eventbus.TopicDeliverySent
	if !out.OK {
		topic = eventbus.TopicDeliveryFailed
	}
	d.bus.Publish(eventbus.Event{Type: topic, Time: out.At, Data: out})
}

func (d *Dispatcher) summarize(event compose.EventType, kind string, res Result, took time.Duration) {
	fields := []logx.Field{
		logx.String("event", string(event)),
		logx.String("kind", kind),
		logx.Int("total", res.Total),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("took", took),
	}
	if res.Failed > 0 {
		d.log.Warn("dispatch finished with failures", fields...)
		return
	}
	d.log.Info("dispatch finished", fields...)
}

// NormalizeEmails trims, lower-cases and de-duplicates addresses. The
// result is sorted so repeated calls see the same order.
func NormalizeEmails(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
