package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cinema-seathold/config"
	pkgLog "cinema-seathold/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	}).Named("booking")
	defer l.Sync()

	l.Info(ctx, "Starting booking service...")

	redisClient, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	l.Infof(ctx, "Connected to Redis at %s", cfg.Redis.Addr)

	natsConn, err := connectNATS(cfg.NATS, l)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to NATS: %v", err)
	}
	defer natsConn.Close()
	l.Infof(ctx, "Connected to NATS at %s", natsConn.ConnectedUrl())

	var confirmations ConfirmationPublisher = nopConfirmations{}
	if cfg.AMQP.Enabled {
		amqpPub := NewAMQPConfirmations(cfg.AMQP.URL, cfg.AMQP.Queue)
		defer amqpPub.Close()
		confirmations = amqpPub
		l.Infof(ctx, "Booking confirmations go to queue %s", cfg.AMQP.Queue)
	}

	store := NewRedisHoldStore(redisClient)
	events := NewNATSPublisher(natsConn)
	manager := NewSeatManager(store, events, confirmations, cfg.Booking.HoldDuration, l)
	manager.lockGrace = 2 * cfg.Booking.TimerCheckInterval
	timer := NewTimerService(store, events, cfg.Booking.TimerCheckInterval, l)

	srv := &http.Server{
		Addr:    cfg.Booking.Port,
		Handler: setupRoutes(manager, l),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return timer.Run(gctx)
	})
	g.Go(func() error {
		l.Infof(gctx, "Booking service started on %s", cfg.Booking.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info(context.Background(), "Shutting down booking service...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Booking.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Errorf(context.Background(), "Booking service stopped: %v", err)
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func connectNATS(cfg config.NATSConfig, l pkgLog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warnf(context.Background(), "NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Infof(context.Background(), "NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return nats.Connect(cfg.URL, opts...)
}
