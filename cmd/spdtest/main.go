// Command spdtest measures internet performance against a configured
// server and appends every run to an append-only log.
//
// Modes:
//
//	spdtest -config config.yaml              run one measurement and exit
//	spdtest -config config.yaml -daemon      run on the configured schedule
//	spdtest -config config.yaml -history 10  show recent runs
//	spdtest -config config.yaml -stats       show 24h aggregates
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/config"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/engine"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/geoloc"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/history"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logging"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logstore"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/netinfo"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/notify"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/runner"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/sched"
)

func main() {
	var (
		cfgPath = flag.String("config", "./config.yaml", "path to config file (yaml or json)")
		daemon  = flag.Bool("daemon", false, "run on the configured schedule")
		histN   = flag.Int("history", 0, "show the N most recent runs and exit")
		stats   = flag.Bool("stats", false, "show 24-hour aggregates and exit")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := logging.NewConsole(cfg.LogLevel)

	switch {
	case *histN > 0:
		err = showHistory(ctx, cfg, log, *histN)
	case *stats:
		err = showStats(ctx, cfg, log)
	case *daemon:
		err = runDaemon(ctx, *cfgPath, cfg, log)
	default:
		err = runOnce(ctx, cfg, log)
	}
	if err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

// buildRunner wires the measurement pipeline from config.
func buildRunner(cfg *config.Config, log zerolog.Logger) (*runner.Runner, func(), error) {
	store := logstore.New(cfg.LogFile)
	if err := store.EnsureExists(); err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		BaseURL:         cfg.ServerBaseURL,
		PingSamples:     cfg.PingSamples,
		PingTimeout:     cfg.Timeouts.PingTimeout,
		DownloadTimeout: cfg.Timeouts.DownloadTimeout,
		UploadTimeout:   cfg.Timeouts.UploadTimeout,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	var locator geoloc.Provider
	if cfg.Location.Enabled {
		locator = geoloc.NewClient(cfg.Location.Endpoint, cfg.Location.FetchTimeout)
	}

	r := runner.New(runner.Config{
		BaseURL:     cfg.ServerBaseURL,
		Size:        engine.TestSize(cfg.TestSizeMB),
		PingSamples: cfg.PingSamples,
	}, eng, store, netinfo.NewDetector(), locator, log)

	cleanup := func() {}
	if cfg.History.Enabled {
		hist, err := history.Open(cfg.History.Path, log)
		if err != nil {
			return nil, nil, err
		}
		r.AddRecordSink(hist)
		cleanup = func() { _ = hist.Close() }
	}
	if cfg.Telegram.Enabled {
		tg, err := notify.New(notify.Config{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID}, log)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		r.AddRecordSink(tg)
	}
	return r, cleanup, nil
}

func runOnce(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	r, cleanup, err := buildRunner(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	r.AddListener(runner.ListenerFunc(func(s runner.Snapshot) {
		log.Info().
			Str("phase", s.Phase.String()).
			Float64("progress", s.Progress).
			Msg("run state")
	}))

	// Cancel on signal; the run still persists its record.
	go func() {
		<-ctx.Done()
		r.Cancel()
	}()

	r.Start(ctx)
	final := r.Wait(context.Background())
	if final.Err != nil {
		return final.Err
	}

	m := final.Metrics
	fmt.Printf("ping %.3f ms | jitter %.3f ms | download %.3f Mbps | upload %.3f Mbps\n",
		m.PingMs, m.JitterMs, m.DownloadMbps, m.UploadMbps)
	return nil
}

func runDaemon(ctx context.Context, cfgPath string, cfg *config.Config, log zerolog.Logger) error {
	r, cleanup, err := buildRunner(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	schedule := sched.New(log)
	defer schedule.Stop()

	startRun := func() {
		if !r.Start(context.Background()) {
			log.Debug().Msg("scheduled run skipped: previous run still in flight")
		}
	}
	if err := schedule.Apply(cfg.Schedule, startRun); err != nil {
		return err
	}

	// Hot reload covers the schedule and log level; endpoint or size
	// changes take effect on the next daemon restart.
	go func() {
		_ = config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			zerolog.SetGlobalLevel(logging.ParseLevel(next.LogLevel, zerolog.InfoLevel))
			if err := schedule.Apply(next.Schedule, startRun); err != nil {
				log.Warn().Err(err).Msg("schedule update rejected")
			}
		})
	}()

	notifySystemd(ctx, log)

	log.Info().Str("schedule", cfg.Schedule).Str("server", cfg.ServerBaseURL).Msg("daemon started")
	<-ctx.Done()

	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
	r.Cancel()
	r.Wait(context.Background())
	log.Info().Msg("daemon stopped")
	return nil
}

// notifySystemd announces readiness and services the watchdog when run
// under systemd; a plain shell environment makes both no-ops.
func notifySystemd(ctx context.Context, log zerolog.Logger) {
	if ok, _ := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); ok {
		log.Debug().Msg("systemd readiness notified")
	}
	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog)
			}
		}
	}()
}

func showHistory(ctx context.Context, cfg *config.Config, log zerolog.Logger, n int) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in config")
	}
	hist, err := history.Open(cfg.History.Path, log)
	if err != nil {
		return err
	}
	defer hist.Close()

	runs, err := hist.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return nil
	}
	for _, run := range runs {
		status := "ok"
		if run.ErrorMessage != "" {
			status = run.ErrorMessage
		}
		fmt.Printf("%s  ↓%8.2f Mbps  ↑%8.2f Mbps  ping %6.2f ms  jitter %5.2f ms  %-8s  %s\n",
			run.At.Format("2006-01-02 15:04:05"),
			run.DownloadMbps, run.UploadMbps, run.PingMs, run.JitterMs,
			run.NetworkType, status)
	}
	return nil
}

func showStats(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in config")
	}
	hist, err := history.Open(cfg.History.Path, log)
	if err != nil {
		return err
	}
	defer hist.Close()

	st, err := hist.Daily(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Println("no successful runs in the last 24 hours")
		return nil
	}
	fmt.Printf("last 24 hours: %d runs (%s → %s)\n",
		st.TestCount, st.FirstRun.Format("15:04"), st.LastRun.Format("15:04"))
	fmt.Printf("download: avg %.2f / min %.2f / max %.2f Mbps\n", st.AvgDownload, st.MinDownload, st.MaxDownload)
	fmt.Printf("upload:   avg %.2f / min %.2f / max %.2f Mbps\n", st.AvgUpload, st.MinUpload, st.MaxUpload)
	fmt.Printf("ping:     avg %.2f / min %.2f / max %.2f ms\n", st.AvgPing, st.MinPing, st.MaxPing)
	return nil
}
