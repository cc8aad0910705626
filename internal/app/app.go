// Package app wires the services together and owns their lifecycle:
// config, logging, storage, the Telegram gateway, the dispatcher, the
// scheduler and the operator API.
package app

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tgblast/internal/api"
	"tgblast/internal/audience"
	"tgblast/internal/config"
	"tgblast/internal/dispatch"
	"tgblast/internal/gateway"
	"tgblast/internal/logging"
	"tgblast/internal/progress"
	"tgblast/internal/scheduler"
	"tgblast/internal/storage"
)

// tokenEnv overrides telegram.token from the config file so the secret can
// stay out of it. godotenv loads a local .env into the environment first.
const tokenEnv = "TGBLAST_BOT_TOKEN"

type App struct {
	cfgm *config.Manager
	log  zerolog.Logger

	logCloser io.Closer
	store     storage.Store
	rdb       *redis.Client

	disp  *dispatch.Dispatcher
	sched *scheduler.Service
	srv   *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	_ = godotenv.Load()

	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfgm := config.NewManager(cfgPath, bootLog.With().Str("comp", "config").Logger())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logging.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	if err != nil {
		return nil, err
	}

	token := cfg.Telegram.Token
	if env := strings.TrimSpace(os.Getenv(tokenEnv)); env != "" {
		token = env
	}
	if strings.TrimSpace(token) == "" {
		logCloser.Close()
		return nil, errors.New("telegram token missing: set telegram.token or " + tokenEnv)
	}

	busyTimeout, err := cfg.Storage.ResolveBusyTimeout()
	if err != nil {
		logCloser.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With().Str("comp", "storage").Logger())
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	sendTimeout, err := cfg.Telegram.ResolveSendTimeout()
	if err != nil {
		return nil, err
	}
	dispatchSettings, err := cfg.Dispatch.Resolve()
	if err != nil {
		return nil, err
	}
	gw, err := gateway.NewTelegram(gateway.Config{
		Token:       token,
		SendTimeout: sendTimeout,
		RatePerSec:  dispatchSettings.RatePerSec,
	}, log.With().Str("comp", "gateway").Logger())
	if err != nil {
		store.Close()
		logCloser.Close()
		return nil, err
	}

	tracker := progress.NewTracker(store, log.With().Str("comp", "progress").Logger())
	var rdb *redis.Client
	if cfg.Redis != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ttl, err := cfg.Redis.ResolveTTL()
		if err != nil {
			return nil, err
		}
		tracker = tracker.WithCache(rdb, ttl)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis progress mirror enabled")
	}

	resolver := audience.NewResolver(store, log.With().Str("comp", "audience").Logger())
	disp := dispatch.New(store, resolver, gw, tracker, dispatchSettings,
		log.With().Str("comp", "dispatch").Logger())

	schedSettings, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(store, disp, schedSettings, log.With().Str("comp", "scheduler").Logger())

	handler := api.NewHandler(store, sched, resolver, gw, log.With().Str("comp", "api").Logger())
	addr := cfg.API.Addr
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:8080"
	}
	srv := api.NewServer(addr, handler.Routes(), log.With().Str("comp", "api").Logger())

	return &App{
		cfgm:      cfgm,
		log:       log.With().Str("comp", "app").Logger(),
		logCloser: logCloser,
		store:     store,
		rdb:       rdb,
		disp:      disp,
		sched:     sched,
		srv:       srv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	if a.sched.Enabled() {
		// Crash recovery: campaigns caught mid-send by the previous process
		// resume before any new work is accepted.
		if err := a.sched.ResumeInterrupted(ctx); err != nil {
			return err
		}
	}
	a.srv.Start()

	sub := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	a.log.Info().Msg("started")
	return nil
}

// applyReload pushes hot-reloadable sections into running services.
// Storage, redis and api address changes need a restart and are only noted.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s, err := cfg.Dispatch.Resolve()
	if err != nil {
		// Validate gates publishes, so this is unexpected.
		a.log.Warn().Err(err).Msg("reloaded dispatch config rejected")
		return
	}
	a.disp.Apply(s)
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info().Msg("stopping")

	shCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.srv.Stop(shCtx); err != nil {
		a.log.Warn().Err(err).Msg("api shutdown error")
	}

	a.sched.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis close error")
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("storage close error")
	}
	a.log.Info().Msg("stopped")
	return a.logCloser.Close()
}
