package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/pantrylabs/listsync/internal/alexa"
	"github.com/pantrylabs/listsync/internal/httpapi"
	"github.com/pantrylabs/listsync/internal/listsync"
	"github.com/pantrylabs/listsync/internal/mealie"
	"github.com/pantrylabs/listsync/internal/todoist"
)

func main() {
	cmd := &cli.Command{
		Name:  "listsyncd",
		Usage: "Keep a canonical shopping list in sync with Alexa lists and Todoist projects",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address",
				Sources: cli.EnvVars("LISTSYNC_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the users/list-maps YAML file",
				Sources: cli.EnvVars("LISTSYNC_CONFIG"),
				Value:   "listsync.yaml",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LISTSYNC_LOG_LEVEL"),
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "state-dsn",
				Usage:   "state backend DSN (file://, memory://, postgres://)",
				Sources: cli.EnvVars("LISTSYNC_STATE_DSN"),
			},
			&cli.StringFlag{
				Name:    "queue-dsn",
				Usage:   "event queue DSN (file://, memory://, postgres://)",
				Sources: cli.EnvVars("LISTSYNC_QUEUE_DSN"),
			},
			&cli.IntFlag{
				Name:    "queue-capacity",
				Sources: cli.EnvVars("LISTSYNC_QUEUE_CAPACITY"),
				Value:   1024,
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "number of ordering shards",
				Sources: cli.EnvVars("LISTSYNC_WORKERS"),
				Value:   4,
			},
			&cli.DurationFlag{
				Name:    "suppression-window",
				Sources: cli.EnvVars("LISTSYNC_SUPPRESSION_WINDOW"),
				Value:   2 * time.Minute,
			},
			&cli.StringFlag{
				Name:    "admin-token",
				Usage:   "bearer token for the status/dead-letter/activity endpoints",
				Sources: cli.EnvVars("LISTSYNC_ADMIN_TOKEN"),
			},
			&cli.IntFlag{
				Name:    "rate-limit",
				Usage:   "webhook requests per user per minute, 0 disables",
				Sources: cli.EnvVars("LISTSYNC_RATE_LIMIT"),
			},
			&cli.StringFlag{
				Name:    "mealie-url",
				Sources: cli.EnvVars("LISTSYNC_MEALIE_URL"),
			},
			&cli.StringFlag{
				Name:    "mealie-token",
				Sources: cli.EnvVars("LISTSYNC_MEALIE_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "alexa-gateway-url",
				Sources: cli.EnvVars("LISTSYNC_ALEXA_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "alexa-gateway-token",
				Sources: cli.EnvVars("LISTSYNC_ALEXA_GATEWAY_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "todoist-url",
				Sources: cli.EnvVars("LISTSYNC_TODOIST_URL"),
			},
			&cli.StringFlag{
				Name:    "todoist-token",
				Sources: cli.EnvVars("LISTSYNC_TODOIST_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "todoist-managed-label",
				Sources: cli.EnvVars("LISTSYNC_TODOIST_MANAGED_LABEL"),
				Value:   "listsync",
			},
			&cli.BoolFlag{
				Name:    "todoist-section-labels",
				Usage:   "map canonical labels onto Todoist sections",
				Sources: cli.EnvVars("LISTSYNC_TODOIST_SECTION_LABELS"),
			},
			&cli.StringFlag{
				Name:    "todoist-default-section",
				Sources: cli.EnvVars("LISTSYNC_TODOIST_DEFAULT_SECTION"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "listsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level, err := zerolog.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	maps, err := listsync.NewSyncMapStore(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := maps.Watch(ctx, log); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	backend, err := listsync.BuildStateBackendFromDSN(cmd.String("state-dsn"))
	if err != nil {
		return fmt.Errorf("build state backend: %w", err)
	}
	queue, err := listsync.BuildEventQueueFromDSN(cmd.String("queue-dsn"), cmd.Int("queue-capacity"))
	if err != nil {
		return fmt.Errorf("build event queue: %w", err)
	}

	mealieStore := mealie.NewStore(mealie.NewClient(mealie.ClientOptions{
		BaseURL: cmd.String("mealie-url"),
		Token:   cmd.String("mealie-token"),
	}))
	kv := alexa.NewMemoryKV()
	alexaClient := alexa.NewClient(alexa.ClientOptions{
		GatewayURL: cmd.String("alexa-gateway-url"),
		Token:      cmd.String("alexa-gateway-token"),
		KV:         kv,
	})
	todoistClient := todoist.NewClient(todoist.ClientOptions{
		BaseURL: cmd.String("todoist-url"),
		Token:   cmd.String("todoist-token"),
	})

	dispatcher := listsync.NewDispatcher(maps, log,
		listsync.NewAlexaSyncHandler(mealieStore, alexaClient, log),
		listsync.NewTodoistSyncHandler(mealieStore, todoistClient, listsync.TodoistHandlerOptions{
			ManagedLabel:   cmd.String("todoist-managed-label"),
			SectionLabels:  cmd.Bool("todoist-section-labels"),
			DefaultSection: cmd.String("todoist-default-section"),
		}, log),
	)

	svc, err := listsync.NewService(listsync.ServiceOptions{
		Queue:             queue,
		Backend:           backend,
		Dispatcher:        dispatcher,
		Log:               log,
		Workers:           cmd.Int("workers"),
		QueueCapacity:     cmd.Int("queue-capacity"),
		SuppressionWindow: cmd.Duration("suppression-window"),
	})
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("service shutdown failed")
		}
	}()

	server := &http.Server{
		Addr: cmd.String("addr"),
		Handler: httpapi.NewServer(svc, maps, kv, httpapi.ServerConfig{
			AdminToken:   cmd.String("admin-token"),
			RateLimitMax: cmd.Int("rate-limit"),
		}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("listsyncd listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
