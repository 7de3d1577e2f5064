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
	}).Named("edge")
	defer l.Sync()

	l.Infof(ctx, "Starting edge server on port %s...", cfg.Edge.Port)

	natsConn, err := connectNATS(cfg.NATS, l)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to NATS: %v", err)
	}
	defer natsConn.Close()
	l.Info(ctx, "Connected to NATS")

	bookingClient := NewBookingClient(cfg.Edge.BookingServiceURL, cfg.Edge.BookingTimeout)
	if err := bookingClient.HealthCheck(ctx); err != nil {
		l.Warnf(ctx, "Booking service at %s not healthy yet: %v", cfg.Edge.BookingServiceURL, err)
	}

	hub := newHub(l)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.run(gctx)
		return nil
	})

	sub, err := subscribeToNATS(natsConn, hub, l)
	if err != nil {
		l.Fatalf(ctx, "Failed to subscribe to NATS: %v", err)
	}
	defer sub.Unsubscribe()

	server := NewServer(gctx, hub, bookingClient, cfg.Edge.SendBuffer, cfg.Edge.AllowedOrigins, l)
	srv := &http.Server{
		Addr:    cfg.Edge.Port,
		Handler: server.Routes(),
	}

	g.Go(func() error {
		l.Infof(gctx, "Edge server started on %s", cfg.Edge.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info(context.Background(), "Shutting down edge server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Edge.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		l.Errorf(context.Background(), "Edge server stopped: %v", err)
	}
}

func connectNATS(cfg config.NATSConfig, l pkgLog.Logger) (*nats.Conn, error) {
	name := cfg.Name
	if name == "" {
		name = "edge-server"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warnf(context.Background(), "[NATS] Disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Infof(context.Background(), "[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Errorf(context.Background(), "[NATS] Error: %v", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if !nc.IsConnected() {
		nc.Close()
		return nil, fmt.Errorf("NATS connection not established")
	}
	return nc, nil
}
