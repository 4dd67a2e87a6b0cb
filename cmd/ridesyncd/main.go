package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/schoolpool/ridesync/api"
	"github.com/schoolpool/ridesync/internal/o11y"
	"github.com/schoolpool/ridesync/notify"
	"github.com/schoolpool/ridesync/reconcile"
	"github.com/schoolpool/ridesync/ride"
	"github.com/schoolpool/ridesync/snapshot"
)

var cli = struct {
	BackendURL string `name:"backend-url" env:"BACKEND_URL" default:"https://api.schoolpool.app"`
	LiveURL    string `name:"live-url" env:"LIVE_URL" default:"wss://live.schoolpool.app"`
	Port       int    `name:"port" env:"PORT" default:"8080"`

	// DatabaseURL enables the advisory snapshot cache when set.
	DatabaseURL string `name:"database-url" env:"DATABASE_URL"`

	// AmqpURL enables the push intake when set.
	AmqpURL   string `name:"amqp-url" env:"AMQP_URL"`
	PushQueue string `name:"push-queue" env:"PUSH_QUEUE" default:"ridesync.push"`

	// Role decides whether the live channel is opened; only the giver
	// has one.
	Role string `name:"role" env:"RIDE_ROLE" default:"taker" enum:"giver,taker"`

	// BearerToken is handed over by the auth layer; refresh happens
	// there, not here.
	BearerToken string `name:"bearer-token" env:"BEARER_TOKEN"`

	OTLPEndpoint    string `name:"otlp-endpoint" env:"OTLP_ENDPOINT"`
	MetricsUsername string `name:"metrics-username" env:"METRICS_USERNAME"`
	MetricsPassword string `name:"metrics-password" env:"METRICS_PASSWORD"`
}{}

func main() {
	if err := run(); err != nil {
		log.Fatalf("unexpected error: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	kong.Parse(&cli)

	obs, cleanup, err := o11y.Setup(ctx, cli.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer cleanup()

	fetcher := snapshot.NewFetcher(cli.BackendURL, func(context.Context) (string, error) {
		return cli.BearerToken, nil
	}, obs.Logger)

	opts := []reconcile.Option{}

	if cli.DatabaseURL != "" {
		db, err := sqlx.ConnectContext(ctx, "pgx", cli.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, reconcile.WithCache(ride.NewCache(db)))
	}

	var lm *liveManager
	if cli.Role == "giver" {
		lm = newLiveManager(cli.LiveURL, obs.Logger)
		defer lm.StopAll()
		opts = append(opts,
			reconcile.WithOnFirstSubscribe(func(rideID string) { lm.Start(ctx, rideID) }),
			reconcile.WithTeardown(lm.Stop),
		)
	}

	coord := reconcile.New(fetcher, obs.Logger, opts...)
	reconcile.RegisterMetrics(obs.Registry)
	if lm != nil {
		lm.coord = coord
	}

	if cli.AmqpURL != "" {
		consumer, err := notify.NewConsumer(cli.AmqpURL, cli.PushQueue, obs.Logger)
		if err != nil {
			return err
		}
		defer consumer.Close()

		router := notify.NewRouter(obs.Logger)
		go func() {
			err := consumer.Run(ctx, func(p notify.Payload) {
				intent := router.Route(p)
				if intent == nil {
					return // duplicate delivery
				}
				obs.Logger.Info("push intent", "intent", fmt.Sprintf("%T", intent))
				if hint, ok := router.StatusHint(p); ok {
					if err := coord.Apply(ctx, hint); err != nil {
						obs.Logger.Warn("push hint dropped", "ride_id", hint.RideID, "error", err)
					}
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				obs.Logger.Error("push intake stopped", "error", err)
			}
		}()
	}

	a := api.New(coord, fetcher, obs, cli.MetricsUsername, cli.MetricsPassword)

	serv := http.Server{
		Addr:    fmt.Sprintf(":%d", cli.Port),
		Handler: a.Router(),
	}

	go func() {
		if err := serv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return serv.Shutdown(ctx)
}
