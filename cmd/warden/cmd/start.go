package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	httpadapter "github.com/matrix-warden/warden/internal/adapter/inbound/http"
	"github.com/matrix-warden/warden/internal/adapter/inbound/management"
	"github.com/matrix-warden/warden/internal/adapter/outbound/matrix"
	"github.com/matrix-warden/warden/internal/config"
	"github.com/matrix-warden/warden/internal/domain/protection"
	"github.com/matrix-warden/warden/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the warden daemon.

The daemon connects to the configured homeserver, restores its watched
policy lists, and begins projecting rules onto protected rooms. Operators
interact with it through the management room.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if path := config.ConfigFileUsed(); path != "" {
		logger.Info("loaded configuration", "path", path)
	}

	transport, err := matrix.NewClient(cfg.Homeserver.URL, id.UserID(cfg.Homeserver.UserID), cfg.Homeserver.AccessToken, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := httpadapter.NewMetrics(registry)

	managementRoom := id.RoomID(cfg.ManagementRoom)
	reporter := service.NewReporter(transport, managementRoom, logger)
	engine := service.NewEngine(service.EngineParams{
		Transport:      transport,
		Reporter:       reporter,
		Metrics:        metrics,
		Log:            logger,
		SelfUserID:     id.UserID(cfg.Homeserver.UserID),
		SelfServer:     cfg.Homeserver.Domain,
		ManagementRoom: managementRoom,
		Options: protection.Options{
			AutoRedactReasons:      protection.CompileReasonPatterns(cfg.Engine.AutomaticallyRedactForReasons),
			FasterMembershipChecks: cfg.Engine.FasterMembershipChecks,
			NoOp:                   cfg.Engine.NoOp,
			VerboseLogging:         cfg.Engine.VerboseLogging,
		},
		ConfirmWildcardBan:    cfg.Engine.ConfirmWildcardBan,
		ProtectAllJoinedRooms: cfg.Engine.ProtectAllJoinedRooms,
	})
	engine.SetCommandHandler(management.NewHandler(engine, logger))

	errCh := make(chan error, 3)
	go func() {
		errCh <- transport.Start(ctx)
	}()
	go func() {
		errCh <- engine.Run(ctx)
	}()
	if cfg.HTTP.Enabled {
		server := httpadapter.NewServer(cfg.HTTP.Addr, registry, logger)
		go func() {
			errCh <- server.Run(ctx)
		}()
	}

	logger.Info("warden started",
		"user_id", cfg.Homeserver.UserID,
		"management_room", cfg.ManagementRoom,
		"no_op", cfg.Engine.NoOp)

	err = <-errCh
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("warden stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
