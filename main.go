package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/journal"
	"github.com/vreid/wager/internal/pkg/ledger"

	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 10 * time.Second

var ErrMissingTreasury = errors.New("a treasury address is required")

type WagerService struct {
	EchoService *common.EchoService `do:""`

	LedgerService  *ledger.LedgerService   `do:""`
	EscrowService  *escrow.EscrowService   `do:""`
	JournalService *journal.JournalService `do:""`
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level

	err := l.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

//nolint:funlen
func runServer(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd.String("log-level"))
	if err != nil {
		return err
	}

	if len(cmd.String("treasury")) == 0 {
		return ErrMissingTreasury
	}

	treasury, err := ledger.ParseAddress(cmd.String("treasury"))
	if err != nil {
		return fmt.Errorf("invalid treasury: %w", err)
	}

	i := do.New()

	do.ProvideValue(i, logger)

	do.ProvideNamedValue(i, "port", cmd.Int("port"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "faucet", cmd.Bool("faucet"))

	do.ProvideNamedValue(i, "treasury", treasury)
	do.ProvideNamedValue(i, "token-audience", cmd.String("token-audience"))
	do.ProvideNamedValue(i, "token-max-age-minutes", cmd.Int("token-max-age-minutes"))

	recordChan := make(chan escrow.Record, 1000)
	var recordSource <-chan escrow.Record = recordChan
	var recordSink chan<- escrow.Record = recordChan

	do.ProvideNamedValue(i, "record-source", recordSource)
	do.ProvideNamedValue(i, "record-sink", recordSink)

	do.Provide(i, common.NewDatabaseService)
	do.Provide(i, common.NewEchoService)
	do.Provide(i, auth.NewVerifier)

	do.Provide(i, ledger.NewLedgerService)
	do.Provide(i, escrow.NewEscrowService)
	do.Provide(i, journal.NewJournalService)

	do.Provide(i, do.InvokeStruct[WagerService])

	wagerService, err := do.Invoke[WagerService](i)
	if err != nil {
		return fmt.Errorf("failed to create wager service: %w", err)
	}

	wagerService.JournalService.Start()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)

	go func() {
		serverErr <- wagerService.EchoService.Start()
	}()

	select {
	case err = <-serverErr:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	report := i.ShutdownWithContext(shutdownCtx)
	if !report.Succeed {
		logger.Error("shutdown failed", slog.String("error", report.Error()))
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func runKeygen(_ context.Context, cmd *cli.Command) error {
	key, addr, err := auth.GenerateKey()
	if err != nil {
		return err //nolint:wrapcheck
	}

	_, err = fmt.Fprintf(cmd.Root().Writer, "key:     %s\naddress: %s\n", hex.EncodeToString(key.Seed()), addr)

	//nolint:wrapcheck
	return err
}

func runToken(_ context.Context, cmd *cli.Command) error {
	key, err := auth.ParsePrivateKey(cmd.String("key"))
	if err != nil {
		return err //nolint:wrapcheck
	}

	ttl := time.Duration(cmd.Int("ttl-minutes")) * time.Minute

	token, err := auth.IssueToken(key, cmd.String("audience"), ttl, time.Now())
	if err != nil {
		return err //nolint:wrapcheck
	}

	_, err = fmt.Fprintln(cmd.Root().Writer, token)

	//nolint:wrapcheck
	return err
}

func runMatchID(_ context.Context, cmd *cli.Command) error {
	_, err := fmt.Fprintln(cmd.Root().Writer, escrow.MatchIDFromRoomCode(cmd.String("room-code")))

	//nolint:wrapcheck
	return err
}

//nolint:funlen
func main() {
	//nolint:exhaustruct
	cmd := &cli.Command{
		Name: "wager",
		Commands: []*cli.Command{
			{
				Name: "server",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Value:   3000, //nolint:mnd
						Sources: cli.EnvVars("WAGER_PORT"),
					},
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./wager/data",
						Sources: cli.EnvVars("WAGER_DATA_DIR"),
					},
					&cli.StringFlag{
						Name:    "treasury",
						Usage:   "hex address credited with platform fees",
						Sources: cli.EnvVars("WAGER_TREASURY"),
					},
					&cli.StringFlag{
						Name:    "token-audience",
						Value:   "wager",
						Sources: cli.EnvVars("WAGER_TOKEN_AUDIENCE"),
					},
					&cli.IntFlag{
						Name:    "token-max-age-minutes",
						Value:   5,
						Sources: cli.EnvVars("WAGER_TOKEN_MAX_AGE_MINUTES"),
					},
					&cli.BoolFlag{
						Name:    "faucet",
						Usage:   "allow crediting balances over http",
						Sources: cli.EnvVars("WAGER_FAUCET"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Value:   "info",
						Sources: cli.EnvVars("WAGER_LOG_LEVEL"),
					},
				},
				Action: runServer,
			},
			{
				Name:   "keygen",
				Usage:  "generate a signing key and print its address",
				Action: runKeygen,
			},
			{
				Name:  "token",
				Usage: "issue a caller token signed by the given key",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "key",
						Required: true,
						Sources:  cli.EnvVars("WAGER_KEY"),
					},
					&cli.StringFlag{
						Name:  "audience",
						Value: "wager",
					},
					&cli.IntFlag{
						Name:  "ttl-minutes",
						Value: 5,
					},
				},
				Action: runToken,
			},
			{
				Name:  "match-id",
				Usage: "print the match id for a room code",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "room-code",
						Required: true,
					},
				},
				Action: runMatchID,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
