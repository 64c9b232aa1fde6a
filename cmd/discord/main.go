// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keshon/playdeck/internal/broadcast"
	"github.com/keshon/playdeck/internal/command"
	"github.com/keshon/playdeck/internal/command/music"
	"github.com/keshon/playdeck/internal/config"
	"github.com/keshon/playdeck/internal/database"
	"github.com/keshon/playdeck/internal/discord"
	"github.com/keshon/playdeck/internal/logging"
	"github.com/keshon/playdeck/internal/middleware"
	"github.com/keshon/playdeck/internal/music/events"
	"github.com/keshon/playdeck/internal/music/manager"
	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/panel"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/presence"
	"github.com/keshon/playdeck/internal/storage"
	"github.com/keshon/playdeck/pkg/jobmgr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("[Main] invalid configuration")
	}
	logger := logging.New(cfg.Log)
	logger.Info().Msg("[Main] starting playdeck")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("[Main] failed to open storage")
	}
	defer store.Close()

	var (
		blacklist player.Blacklist
		likes     panel.LikeStore
	)
	if cfg.DatabaseURL != "" {
		db, closeDB, err := database.Open(ctx, cfg.DatabaseURL, logging.Component(logger, "database"))
		if err != nil {
			logger.Fatal().Err(err).Msg("[Main] failed to open database")
		}
		defer closeDB()
		blacklist, likes = db, db
	} else {
		logger.Warn().Msg("[Main] DATABASE_URL not set, blacklist and liked songs are disabled")
	}

	var (
		statuses manager.StatusSink
		hook     events.Hook
	)
	if cfg.RedisURL != "" {
		rdb, err := broadcast.Dial(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("[Main] failed to connect to redis")
		}
		defer rdb.Close()
		b := broadcast.New(rdb, logging.Component(logger, "broadcast"))
		statuses, hook = b, b.ObserveNode
	}

	bot, err := discord.New(cfg, logging.Component(logger, "discord"))
	if err != nil {
		logger.Fatal().Err(err).Msg("[Main] failed to create bot")
	}
	botID, err := bot.FetchUserID()
	if err != nil {
		logger.Fatal().Err(err).Msg("[Main] failed to resolve bot user")
	}

	lavalink, err := node.New(node.Options{
		URI:      cfg.NodeURI,
		Password: cfg.NodePassword,
		UserID:   botID,
		Logger:   logging.Component(logger, "node"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("[Main] invalid node configuration")
	}
	jobs := jobmgr.NewManager(ctx, func(msg string) {
		if strings.HasPrefix(msg, "error:") {
			logger.Error().Str("job", msg).Msg("[Main] background job failed")
			return
		}
		logger.Debug().Str("job", msg).Msg("[Main] background job")
	})
	if err := jobs.Start("node", lavalink.Run); err != nil {
		logger.Fatal().Err(err).Msg("[Main] failed to start node connection")
	}

	cooldown := panel.NewCooldown(panel.CooldownOptions{Rate: cfg.PanelCooldownRate, Per: cfg.PanelCooldownPer})
	if err := jobs.Go("cooldown-sweeper", func(ctx context.Context) { cooldown.RunSweeper(ctx, time.Minute) }); err != nil {
		logger.Error().Err(err).Msg("[Main] failed to start cooldown sweeper")
	}

	var mgr *manager.Manager
	dispatcher := events.New(events.Options{
		Sessions: sessionsFunc(func(guildID string) *player.Session { return mgr.Session(guildID) }),
		Hook:     hook,
		Logger:   logging.Component(logger, "events"),
	})
	together := presence.New(presence.Options{
		Source: bot,
		Exec:   dispatcher.Exec,
		Grace:  cfg.ListenGrace,
		Poll:   cfg.ListenPoll,
		Logger: logging.Component(logger, "presence"),
	})
	mgr = manager.New(manager.Options{
		Node:          lavalink,
		Voice:         bot,
		Blacklist:     blacklist,
		Resolver:      together,
		Bindings:      store,
		Renderer:      discord.NewRenderer(bot.Session()),
		Likes:         likes,
		Cooldown:      cooldown,
		Volumes:       store,
		DefaultVolume: cfg.DefaultVolume,
		Statuses:      statuses,
		BotUserID:     bot.UserID,
		Logger:        logging.Component(logger, "player"),
	})
	dispatcher.SetPresence(together)
	if err := jobs.Go("dispatcher", func(ctx context.Context) { dispatcher.Run(ctx, lavalink.Events()) }); err != nil {
		logger.Fatal().Err(err).Msg("[Main] failed to start event dispatcher")
	}
	bot.Attach(lavalink, mgr, dispatcher)

	command.RegisterCommand(
		&music.MusicCommand{
			Manager:    mgr,
			Dispatcher: dispatcher,
			Presence:   together,
			Guilds:     bot,
			Channels:   store,
			Logger:     logging.Component(logger, "music"),
		},
		middleware.WithGuildOnly(),
		middleware.WithUserPermissionCheck(cfg.IsDeveloper),
		middleware.WithCommandLogger(logging.Component(logger, "command")),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := bot.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("[Main] shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("[Main] discord bot stopped")
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("[Main] failed to close every session")
	}
	together.Close()
	dispatcher.Close()
	jobs.StopAll()
	cancel()
	logger.Info().Msg("[Main] bye")
}

// sessionsFunc adapts a lookup function to events.Sessions.
type sessionsFunc func(guildID string) *player.Session

func (f sessionsFunc) Session(guildID string) *player.Session { return f(guildID) }
