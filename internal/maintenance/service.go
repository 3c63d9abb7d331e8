// Package maintenance runs housekeeping on a cron schedule: pruning old
// delivery rows and expired dedup claims, and keeping the access token warm.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"worksnotify/internal/storage"
	logx "worksnotify/pkg/logx"
)

type Config struct {
	PruneCron     string
	Retention     time.Duration
	TokenWarmCron string // empty disables the job
	Timezone      string // IANA TZ, e.g. "Asia/Seoul"
}

// Pruner is the store subset used by the prune job.
type Pruner interface {
	Prune(ctx context.Context, before, now time.Time) (storage.PruneStats, error)
}

// Warmer fetches an access token so the first webhook after idle does not
// pay for the exchange.
type Warmer interface {
	AccessToken(ctx context.Context) (string, error)
}

type HistoryItem struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Error    string
}

const (
	JobPrune     = "storage.prune"
	JobTokenWarm = "token.warm"

	jobTimeout  = time.Minute
	historySize = 50
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	pruner Pruner
	warmer Warmer
	now    func() time.Time

	parser  cron.Parser
	c       *cron.Cron
	baseCtx context.Context

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. A nil pruner or warmer disables that job.
func New(cfg Config, pruner Pruner, warmer Warmer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		pruner: pruner,
		warmer: warmer,
		now:    time.Now,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks the schedules and timezone without starting anything.
func (s *Service) Validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.PruneCron) != "" {
		if _, err := s.parser.Parse(cfg.PruneCron); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.prune_cron: %w", err))
		}
	}
	if strings.TrimSpace(cfg.TokenWarmCron) != "" {
		if _, err := s.parser.Parse(cfg.TokenWarmCron); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.token_warm_cron: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start registers the jobs and starts the cron runner. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if err := s.Validate(s.cfg); err != nil {
		return err
	}
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.locationLocked()))
	if s.pruner != nil && strings.TrimSpace(s.cfg.PruneCron) != "" {
		if _, err := c.AddFunc(s.cfg.PruneCron, func() { s.runJob(JobPrune, s.Prune) }); err != nil {
			return err
		}
	}
	if s.warmer != nil && strings.TrimSpace(s.cfg.TokenWarmCron) != "" {
		if _, err := c.AddFunc(s.cfg.TokenWarmCron, func() { s.runJob(JobTokenWarm, s.WarmToken) }); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started",
		logx.Int("jobs", len(c.Entries())),
		logx.String("tz", s.locationLocked().String()))
	return nil
}

// Stop halts the runner and waits for a running job up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Apply swaps the config, restarting the runner when schedules changed.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil || (old.PruneCron == cfg.PruneCron && old.TokenWarmCron == cfg.TokenWarmCron && old.Timezone == cfg.Timezone) {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Prune deletes deliveries older than the retention and expired dedup rows.
func (s *Service) Prune(ctx context.Context) error {
	if s.pruner == nil {
		return storage.ErrDisabled
	}
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	if retention <= 0 {
		return errors.New("retention must be positive")
	}
	now := s.now()
	st, err := s.pruner.Prune(ctx, now.Add(-retention), now)
	if err != nil {
		return err
	}
	if st.Deliveries > 0 || st.Dedup > 0 {
		s.log.Info("storage pruned", logx.Int64("deliveries", st.Deliveries), logx.Int64("dedup", st.Dedup))
	}
	return nil
}

func (s *Service) WarmToken(ctx context.Context) error {
	if s.warmer == nil {
		return errors.New("no token source")
	}
	_, err := s.warmer.AccessToken(ctx)
	return err
}

func (s *Service) runJob(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, jobTimeout)
	defer cancel()

	started := s.now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()
	item := HistoryItem{Job: name, Started: started, Duration: time.Since(started)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// History returns recent job runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
