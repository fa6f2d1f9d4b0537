package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/cortex-chatgate/internal/agent"
	"github.com/cortexhub/cortex-chatgate/internal/channel"
	"github.com/cortexhub/cortex-chatgate/internal/channel/discord"
	"github.com/cortexhub/cortex-chatgate/internal/channel/telegram"
	"github.com/cortexhub/cortex-chatgate/internal/channel/webchat"
	"github.com/cortexhub/cortex-chatgate/internal/config"
	"github.com/cortexhub/cortex-chatgate/internal/contextbuf"
	"github.com/cortexhub/cortex-chatgate/internal/credential"
	"github.com/cortexhub/cortex-chatgate/internal/dispatch"
	"github.com/cortexhub/cortex-chatgate/internal/healthring"
	"github.com/cortexhub/cortex-chatgate/internal/imagegen"
	"github.com/cortexhub/cortex-chatgate/internal/inference"
	"github.com/cortexhub/cortex-chatgate/internal/journal"
	"github.com/cortexhub/cortex-chatgate/internal/keylock"
	"github.com/cortexhub/cortex-chatgate/internal/logging"
	"github.com/cortexhub/cortex-chatgate/internal/scheduler"
	"github.com/cortexhub/cortex-chatgate/internal/server"
	"github.com/cortexhub/cortex-chatgate/internal/session"
	"github.com/cortexhub/cortex-chatgate/internal/store"
	"github.com/cortexhub/cortex-chatgate/internal/stt"
)

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return os.Getenv("CHATGATE_CONFIG")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	closer, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer closer.Close()
	logger := logging.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// gateway bundles everything serve starts and stops.
type gateway struct {
	store     store.Store
	journal   *journal.StreamPublisher
	agent     *agent.AgentLoop
	adapters  []channel.ChannelAdapter
	ring      *healthring.HealthRing
	scheduler *scheduler.Scheduler
	server    *server.Server
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gw, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.close(logger)

	var running []channel.ChannelAdapter
	for _, ad := range gw.adapters {
		if err := ad.Start(ctx); err != nil {
			logger.Error("channel failed to start", "channel", ad.Name(), "error", err)
			continue
		}
		logger.Info("channel started", "channel", ad.Name())
		running = append(running, ad)
	}
	if len(running) == 0 {
		logger.Warn("no channels running, serving admin API only")
	}

	if gw.ring != nil {
		gw.ring.Check(ctx)
		gw.scheduler.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gw.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		gw.agent.Run(gctx, running...)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		for _, ad := range running {
			if err := ad.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ad.Name(), "error", err)
			}
		}
		if gw.scheduler != nil {
			gw.scheduler.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.server.Shutdown(shutdownCtx)
	})

	logger.Info("chatgate started",
		"version", server.Version,
		"admin_port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"channels", len(running),
	)
	return g.Wait()
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	gw := &gateway{store: st}
	fail := func(err error) (*gateway, error) {
		gw.close(logger)
		return nil, err
	}

	creds, err := credential.Bootstrap(ctx, st, cfg.Auth.Secret, cfg.Auth.SecretHash, cfg.Auth.BcryptCost)
	if err != nil {
		return fail(fmt.Errorf("credential: %w", err))
	}

	catalog, err := inference.CatalogFromConfig(cfg)
	if err != nil {
		return fail(fmt.Errorf("model catalog: %w", err))
	}
	router, err := inference.NewRouter(cfg)
	if err != nil {
		return fail(fmt.Errorf("inference router: %w", err))
	}

	var pub journal.Publisher = journal.Nop{}
	if cfg.Journal.Enabled {
		gw.journal, err = journal.NewStreamPublisher(journal.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Journal.Stream,
			MaxLen:   cfg.Journal.MaxLen,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("turn journal: %w", err))
		}
		pub = gw.journal
	}

	buffer := contextbuf.New(st)
	locks := keylock.New()

	sessions := session.NewController(session.Options{
		Store:       st,
		Buffer:      buffer,
		Credentials: creds,
		Catalog:     catalog,
		Locks:       locks,
		Defaults: session.Defaults{
			ModelID:       cfg.Session.DefaultModel,
			Temperature:   cfg.Session.GetTemperature(),
			ContextWindow: cfg.Session.ContextWindow,
			SystemPrompt:  cfg.Session.SystemPrompt,
		},
		LockTimeout: cfg.Session.GetLockTimeout(),
		Logger:      logger,
	})
	if err := sessions.EnsureSystemPrompt(ctx); err != nil {
		return fail(fmt.Errorf("system prompt: %w", err))
	}

	turns := dispatch.New(dispatch.Options{
		Profiles:      st,
		Buffer:        buffer,
		Catalog:       catalog,
		Generator:     router,
		Locks:         locks,
		Journal:       pub,
		Timeout:       cfg.Inference.GetTimeout(),
		LockTimeout:   cfg.Session.GetLockTimeout(),
		AnalyzePrompt: cfg.Inference.AnalyzePrompt,
		Logger:        logger,
	})

	opts := agent.Options{
		Sessions: sessions,
		Turns:    turns,
		Language: cfg.STT.Language,
		Logger:   logger,
	}
	var whisper *stt.WhisperClient
	if cfg.STT.Enabled {
		whisper = stt.NewWhisperClient(stt.WhisperConfig{
			URL:     cfg.STT.URL,
			APIKey:  cfg.STT.APIKey,
			Model:   cfg.STT.Model,
			Timeout: cfg.STT.GetTimeout(),
		}, logger)
		opts.Transcriber = whisper
	}
	var painter *imagegen.Client
	if cfg.ImageGen.Enabled {
		painter = imagegen.NewClient(imagegen.Config{
			URL:            cfg.ImageGen.URL,
			Checkpoint:     cfg.ImageGen.Checkpoint,
			NegativePrompt: cfg.ImageGen.NegativePrompt,
			Steps:          cfg.ImageGen.Steps,
			Sampler:        cfg.ImageGen.Sampler,
			Width:          cfg.ImageGen.Width,
			Height:         cfg.ImageGen.Height,
			Timeout:        cfg.ImageGen.GetTimeout(),
		}, logger)
		opts.Painter = painter
	}
	gw.agent = agent.NewAgentLoop(opts)
	gw.adapters = buildAdapters(cfg, logger)

	if cfg.Health.Enabled {
		gw.ring = healthring.NewHealthRing(cfg.Health.RingSize, cfg.Health.GetTimeout(), logger)
		for _, eng := range router.ListEngines() {
			gw.ring.Register("engine:"+eng.Name, eng.Client.Health)
		}
		gw.ring.Register("store", st.Ping)
		if gw.journal != nil {
			gw.ring.Register("journal", gw.journal.Ping)
		}
		if whisper != nil {
			gw.ring.Register("stt", whisper.Health)
		}
		if painter != nil {
			gw.ring.Register("imagegen", painter.Health)
		}

		gw.scheduler = scheduler.NewScheduler(cfg.Health.GetTimeout()*2, logger)
		if err := gw.scheduler.Add("health-check", cfg.Health.Schedule, gw.ring.Check); err != nil {
			return fail(fmt.Errorf("health schedule: %w", err))
		}
	}

	deps := server.Deps{
		Profiles:   st,
		Catalog:    catalog,
		Engines:    router,
		HealthRing: gw.ring,
	}
	if gw.journal != nil {
		deps.Journal = gw.journal
	}
	gw.server = server.New(cfg, deps, logger)

	return gw, nil
}

// openStore selects the persistence backend named by store.backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "redis":
		st, err := store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

func buildAdapters(cfg *config.Config, logger *slog.Logger) []channel.ChannelAdapter {
	var adapters []channel.ChannelAdapter
	if cfg.Channels.Telegram.Enabled {
		adapters = append(adapters, telegram.NewTelegramAdapter(telegram.Config{
			Token:     cfg.Channels.Telegram.Token,
			SendRate:  cfg.Channels.Telegram.SendRate,
			SendBurst: cfg.Channels.Telegram.SendBurst,
		}, logger))
	}
	if cfg.Channels.Discord.Enabled {
		adapters = append(adapters, discord.NewDiscordAdapter(cfg.Channels.Discord.Token, logger))
	}
	if cfg.Channels.WebChat.Enabled {
		adapters = append(adapters, webchat.NewWebChatAdapter(cfg.Channels.WebChat.Port, logger))
	}
	return adapters
}

func (gw *gateway) close(logger *slog.Logger) {
	if gw.journal != nil {
		if err := gw.journal.Close(); err != nil {
			logger.Warn("journal close failed", "error", err)
		}
	}
	if gw.store != nil {
		if err := gw.store.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}
}
