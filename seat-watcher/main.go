// Command seat-watcher follows the seat holds of one showtime from the terminal and lets the
// user select and deselect tickets.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cinema-seathold/config"
	pkgLog "cinema-seathold/pkg/logger"
	"cinema-seathold/seatclient"
	"cinema-seathold/shared"
)

var (
	showtimeID = flag.Int64("showtime", 0, "Showtime ID to watch (required)")
	userID     = flag.Int64("user", 0, "User ID used for select/deselect")
	edgeURL    = flag.String("edge", "", "Edge server URL, overrides EDGE_URL")
	quiet      = flag.Bool("quiet", false, "Do not print the view on every change")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *edgeURL != "" {
		cfg.Client.EdgeURL = *edgeURL
	}
	if *showtimeID <= 0 {
		fmt.Fprintln(os.Stderr, "-showtime is required")
		flag.Usage()
		os.Exit(2)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	}).Named("seat-watcher")
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Client, *showtimeID, *userID, os.Stdin, os.Stdout, l); err != nil {
		l.Errorf(ctx, "seat-watcher: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, showtimeID, userID int64, in io.Reader, out io.Writer, l pkgLog.Logger) error {
	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	session := seatclient.NewSession(seatclient.Config{
		EdgeURL:          cfg.EdgeURL,
		Enabled:          cfg.Enabled,
		ReconnectDelay:   cfg.ReconnectDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, showtimeID, userID, l,
		seatclient.WithOnChange(func(v seatclient.View) {
			if *quiet {
				return
			}
			outMu.Lock()
			defer outMu.Unlock()
			printView(out, v, userID)
		}),
		seatclient.WithOnExpired(func(expiredUser, showtime int64) {
			if expiredUser == userID {
				printf("your hold on showtime %d expired\n", showtime)
				return
			}
			printf("hold of user %d on showtime %d expired\n", expiredUser, showtime)
		}),
		seatclient.WithOnFailed(func(u shared.SeatUpdate) {
			if u.UserID != userID {
				return
			}
			printf("request for tickets %s failed: %s\n", joinIDs(u.TicketIDs()), u.Reason)
		}),
		seatclient.WithOnError(func(err error) {
			printf("connection problem: %v\n", err)
		}),
	)

	if err := session.Open(ctx); err != nil {
		if errors.Is(err, seatclient.ErrDisabled) {
			printf("seat holds are disabled (SEAT_HOLD_ENABLED=false)\n")
			return nil
		}
		return err
	}
	defer func() {
		session.Close()
		<-session.Done()
	}()

	printf("watching showtime %d as user %d on %s\n%s\n", showtimeID, userID, cfg.EdgeURL, helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, line, printf, func(v seatclient.View) {
				outMu.Lock()
				defer outMu.Unlock()
				printView(out, v, userID)
			}); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, session *seatclient.Session, line string, printf func(string, ...any), show func(seatclient.View)) bool {
	cmd, err := parseCommand(line)
	if errors.Is(err, errEmptyCommand) {
		return false
	}
	if err != nil {
		printf("%v\n", err)
		return false
	}

	switch cmd.kind {
	case cmdSelect:
		if err := session.SelectSeats(ctx, cmd.ticketIDs); err != nil {
			printf("select failed: %v\n", err)
		}
	case cmdDeselect:
		if err := session.DeselectSeats(ctx, cmd.ticketIDs); err != nil {
			printf("deselect failed: %v\n", err)
		}
	case cmdView:
		v, err := session.View(ctx)
		if err != nil {
			printf("view unavailable: %v\n", err)
			return false
		}
		show(v)
	case cmdHelp:
		printf("%s\n", helpText)
	case cmdQuit:
		return true
	}
	return false
}
