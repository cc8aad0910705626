// Package scheduler triggers campaign runs: it polls for scheduled
// campaigns whose time has come and feeds them, together with manual and
// boot-resume submissions, through a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tgblast/internal/campaign"
	"tgblast/internal/config"
)

// Runner executes one campaign to completion.
type Runner interface {
	Run(ctx context.Context, id string) error
}

type Store interface {
	DueScheduled(ctx context.Context, now time.Time) ([]string, error)
	ByStatus(ctx context.Context, st campaign.Status) ([]string, error)
}

type Service struct {
	store  Store
	runner Runner
	cfg    config.SchedulerSettings
	log    zerolog.Logger

	c     *cron.Cron
	queue chan string
	wg    sync.WaitGroup

	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool
}

func New(store Store, runner Runner, cfg config.SchedulerSettings, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		runner:   runner,
		cfg:      cfg,
		log:      log,
		inflight: map[string]struct{}{},
	}
}

// Enabled reports whether the config allows this scheduler to run.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start launches the worker pool and the polling cron entry. The poll runs
// once immediately so campaigns that came due while the process was down are
// picked up without waiting a full interval. A disabled scheduler stays
// stopped and rejects all submissions.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info().Msg("scheduler disabled by config")
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.queue = make(chan string, s.cfg.QueueSize)
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.c = cron.New()
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.c.Start()
	s.tick(ctx)
	s.log.Info().Dur("poll_interval", s.cfg.PollInterval).Int("workers", s.cfg.Workers).Msg("scheduler started")
	return nil
}

// Stop halts polling, cancels the workers and waits for in-flight runs to
// observe the cancellation.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Submit enqueues a campaign run. A campaign already queued or running is
// not enqueued again; a full queue drops the submission with a warning, and
// the next poll retries it because the campaign is still in its pre-sending
// status.
func (s *Service) Submit(id string) bool {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.inflight[id]; dup {
		s.mu.Unlock()
		return false
	}
	s.inflight[id] = struct{}{}
	queue := s.queue
	s.mu.Unlock()

	select {
	case queue <- id:
		return true
	default:
		s.release(id)
		s.log.Warn().Str("campaign", id).Msg("run queue full, submission deferred to next poll")
		return false
	}
}

// ResumeInterrupted re-enqueues campaigns left in sending by a previous
// process. Called once at boot, before the first poll can race it.
func (s *Service) ResumeInterrupted(ctx context.Context) error {
	ids, err := s.store.ByStatus(ctx, campaign.StatusSending)
	if err != nil {
		return fmt.Errorf("scheduler: resume scan: %w", err)
	}
	for _, id := range ids {
		if s.Submit(id) {
			s.log.Info().Str("campaign", id).Msg("re-enqueued interrupted campaign")
		}
	}
	return nil
}

func (s *Service) tick(ctx context.Context) {
	ids, err := s.store.DueScheduled(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled campaign scan failed")
		return
	}
	for _, id := range ids {
		if s.Submit(id) {
			s.log.Info().Str("campaign", id).Msg("scheduled campaign due")
		}
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.runOne(ctx, id)
		}
	}
}

func (s *Service) runOne(ctx context.Context, id string) {
	defer s.release(id)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("campaign", id).Interface("panic", r).Msg("campaign run panicked")
		}
	}()
	if err := s.runner.Run(ctx, id); err != nil {
		s.log.Error().Str("campaign", id).Err(err).Msg("campaign run failed")
	}
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
