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

	"hls-broadcaster/internal/api"
	"hls-broadcaster/internal/catalog"
	"hls-broadcaster/internal/clients"
	"hls-broadcaster/internal/platform/config"
	"hls-broadcaster/internal/platform/logger"
	"hls-broadcaster/internal/platform/metrics"
	"hls-broadcaster/internal/segments"
	"hls-broadcaster/internal/supervisor"
	"hls-broadcaster/internal/timeline"
	"hls-broadcaster/internal/transcode"
)

// startWaitSlack lets a playlist request outlive the stream start timeout so
// it reports the session's failure instead of its own deadline.
const startWaitSlack = 5 * time.Second

func serveCommand(settings *config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve channel streams over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*settings)
		},
	}
	cmd.Flags().StringVar(&settings.Port, "port", settings.Port, "HTTP listen port")
	cmd.Flags().StringVar(&settings.WorkDir, "work-dir", settings.WorkDir, "Directory for transcoder output")
	cmd.Flags().StringVar(&settings.HWAccel, "hwaccel", settings.HWAccel, "Encoder acceleration: none, nvenc, qsv, vaapi, videotoolbox")
	cmd.Flags().StringVar(&settings.Ladder, "ladder", settings.Ladder, "Renditions as name:WxH:videokbps:audiokbps, comma separated")
	return cmd
}

func serve(s config.Settings) error {
	log := logger.New(s.LogLevel, s.LogFormat)

	ladder, err := transcode.ParseLadder(s.Ladder)
	if err != nil {
		return err
	}
	accel, err := transcode.ParseAccelerator(s.HWAccel)
	if err != nil {
		return err
	}
	cat, err := catalog.LoadFile(s.CatalogPath, log)
	if err != nil {
		return err
	}

	met := metrics.New()
	resolver := timeline.NewResolver()
	store := segments.NewStore(s.WindowSize, met)
	leases := clients.New(s.ClientTimeout, met, log)

	mgr := transcode.NewManager(transcodeConfig(s), cat, cat, resolver, store, met, log)
	if err := mgr.CleanWorkDir(); err != nil {
		return fmt.Errorf("prepare work dir: %w", err)
	}

	sv := supervisor.New(supervisor.Config{
		Ladder:         ladder,
		Accel:          accel,
		Grace:          s.Grace,
		StartTimeout:   s.StartTimeout,
		RestartTimeout: s.RestartTimeout,
		WindowSize:     s.WindowSize,
	}, cat, resolver, supervisor.FromManager(mgr), store, met, log,
		supervisor.WithPressureGauge(supervisor.NewResourceGuard(s.WorkDir, s.PressureHighPercent, s.PressureCriticalPercent, log)),
		supervisor.WithTeardownHook(leases.Forget),
	)
	leases.SetLeave(sv.Leave)

	h := api.NewHandler(sv, leases, store, cat, resolver, s.StartTimeout+startWaitSlack, logger.Component(log, "api"), met)
	r := api.NewRouter(h, log, met, api.RouterConfig{
		RateLimit: s.RateLimit,
		Gauges:    sv.UpdateGauges,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := cat.Watch(ctx); err != nil {
			log.Warn("catalog watch stopped, changes need a restart", slog.String("error", err.Error()))
		}
	}()
	go leases.Run(ctx, s.SweepInterval)

	addr := ":" + s.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info("server starting",
		slog.String("port", s.Port),
		slog.String("catalog", s.CatalogPath),
		slog.Int("channels", len(cat.ChannelIDs())),
		slog.String("hwaccel", string(accel)),
		slog.Int("renditions", len(ladder)),
		slog.Int("window_size", s.WindowSize),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		log.Info("shutdown signal received, draining connections")
	case runErr = <-serveErr:
		log.Error("server error", slog.String("error", runErr.Error()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	if err := sv.Shutdown(shutdownCtx); err != nil {
		log.Error("stream shutdown incomplete", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	log.Info("server stopped")
	return runErr
}

// transcodeConfig keeps ffmpeg's own playlist as long as the served window.
func transcodeConfig(s config.Settings) transcode.Config {
	return transcode.Config{
		FFmpegPath:     s.FFmpegPath,
		WorkDir:        s.WorkDir,
		SegmentSeconds: s.SegmentSeconds,
		ListSize:       s.WindowSize,
		RestartLimit:   s.RestartLimit,
		BackoffInitial: s.BackoffInitial,
		BackoffMax:     s.BackoffMax,
	}
}
