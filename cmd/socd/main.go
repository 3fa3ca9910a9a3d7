// Command socd is the Session Orchestration Core daemon: it loads
// configuration, wires every core component (Registry, Delivery Engine,
// Idle/Activity Tracker, Reminder Scheduler, Handoff Coordinator,
// Watchers), starts the local HTTP control plane, and optionally the
// Telegram chat gateway.
//
// Grounded on the teacher's cmd/agent-deck entrypoint (flag parsing,
// signal-driven graceful shutdown, logging.Init wiring), generalized from
// a TUI bootstrap into a background-daemon bootstrap.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaysoc/soc/internal/chatgateway"
	"github.com/relaysoc/soc/internal/config"
	"github.com/relaysoc/soc/internal/delivery"
	"github.com/relaysoc/soc/internal/handoff"
	"github.com/relaysoc/soc/internal/httpapi"
	"github.com/relaysoc/soc/internal/logging"
	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/observability"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/reminder"
	"github.com/relaysoc/soc/internal/statedb"
	"github.com/relaysoc/soc/internal/terminaldriver"
	"github.com/relaysoc/soc/internal/tracker"
	"github.com/relaysoc/soc/internal/watch"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging even without a log dir override")
	pprof := flag.Bool("pprof", false, "start a loopback pprof server")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "socd: load config: %v\n", err)
		os.Exit(2)
	}

	logsDir, err := config.LogsDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "socd: resolve logs dir: %v\n", err)
		os.Exit(2)
	}
	logging.Init(logging.Config{
		LogDir:       logsDir,
		Level:        cfg.LogLevel,
		Debug:        *debug,
		PprofEnabled: *pprof,
	})
	defer logging.Shutdown()

	log := logging.ForComponent(logging.CompDaemon)

	if err := run(cfg, log); err != nil {
		log.Error("daemon_exit_error", slog.String("error", err.Error()))
		os.Exit(2)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	snapshotPath, err := config.RegistrySnapshotPath()
	if err != nil {
		return fmt.Errorf("resolve registry snapshot path: %w", err)
	}
	reg, err := registry.Load(snapshotPath)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	stateDBPath, err := config.StateDBPath()
	if err != nil {
		return fmt.Errorf("resolve state db path: %w", err)
	}
	db, err := statedb.Open(stateDBPath)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	obsDBPath, err := config.ObservabilityDBPath()
	if err != nil {
		return fmt.Errorf("resolve observability db path: %w", err)
	}
	obs, err := observability.Open(obsDBPath)
	if err != nil {
		return fmt.Errorf("open observability db: %w", err)
	}
	defer obs.Close()

	driver := terminaldriver.NewTmuxDriver(cfg.TmuxSocket)

	if err := reg.ReconcileOnStartup(func(pane string) bool {
		return driver.Exists(context.Background(), pane)
	}); err != nil {
		log.Warn("reconcile_on_startup_failed", slog.String("error", err.Error()))
	}

	var eng *delivery.Engine
	tr := tracker.New(func(target string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.FlushTarget(ctx, target); err != nil {
			log.Warn("flush_on_idle_failed", slog.String("target", target), slog.String("error", err.Error()))
		}
	})
	eng = delivery.New(db, reg, tr, driver)
	if cfg.Delivery.SettleDelayMS > 0 {
		eng.SetSettleDelay(time.Duration(cfg.Delivery.SettleDelayMS) * time.Millisecond)
	}

	rem := reminder.New(db, reg, tr, eng, obs)
	if cfg.Reminder.SoftThresholdSeconds > 0 || cfg.Reminder.HardThresholdSeconds > 0 {
		soft, hard := reminder.DefaultSoftThreshold, reminder.DefaultHardThreshold
		if cfg.Reminder.SoftThresholdSeconds > 0 {
			soft = time.Duration(cfg.Reminder.SoftThresholdSeconds) * time.Second
		}
		if cfg.Reminder.HardThresholdSeconds > 0 {
			hard = time.Duration(cfg.Reminder.HardThresholdSeconds) * time.Second
		}
		rem.SetDefaultThresholds(soft, hard)
	}

	handoffsDir, err := config.HandoffsDir()
	if err != nil {
		return fmt.Errorf("resolve handoffs dir: %w", err)
	}
	hc := handoff.New(reg, tr, driver, eng, rem, eng, handoffsDir)
	if cfg.Delivery.SettleDelayMS > 0 {
		hc.SetSettleDelay(time.Duration(cfg.Delivery.SettleDelayMS) * time.Millisecond)
	}

	wm := watch.New(tr, eng, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rem.Start(ctx); err != nil {
		return fmt.Errorf("start reminder scheduler: %w", err)
	}
	defer rem.Stop()

	if err := eng.RecoverPending(ctx); err != nil {
		log.Warn("recover_pending_failed", slog.String("error", err.Error()))
	}

	var gateway chatgateway.ChatGateway
	if cfg.Telegram.BotToken != "" {
		tg := chatgateway.NewTelegramGateway(cfg.Telegram.BotToken, logging.ForComponent(logging.CompGateway))
		gateway = tg
		if err := gateway.Start(ctx); err != nil {
			log.Warn("chat_gateway_start_failed", slog.String("error", err.Error()))
		} else {
			defer gateway.Stop()
			go relayInbound(ctx, gateway, reg, eng, log)
		}
	}

	appDir, err := config.AppDir()
	if err != nil {
		return fmt.Errorf("resolve app dir: %w", err)
	}
	pushStore := chatgateway.NewSubscriptionStore(appDir)
	publicKey, privateKey, generated, err := chatgateway.EnsureVAPIDKeys(appDir, cfg.Push.VAPIDSubject)
	var pushChannel *chatgateway.BrowserPushChannel
	if err != nil {
		log.Warn("vapid_keys_unavailable", slog.String("error", err.Error()))
	} else {
		if generated {
			log.Info("vapid_keypair_generated")
		}
		pushChannel = chatgateway.NewBrowserPushChannel(pushStore, &chatgateway.VAPIDPushSender{
			Subject:    cfg.Push.VAPIDSubject,
			PublicKey:  publicKey,
			PrivateKey: privateKey,
		})
	}

	relay := chatgateway.NewOutboundRelay(gateway, pushChannel, logging.ForComponent(logging.CompGateway))
	eng.SetOutboundNotifier(relay)

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.Deps{
		Registry:       reg,
		Delivery:       eng,
		Tracker:        tr,
		Reminder:       rem,
		Handoff:        hc,
		Watch:          wm,
		Driver:         driver,
		Obs:            obs,
		PushStore:      pushStore,
		VAPIDPublicKey: publicKey,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	log.Info("daemon_started", slog.String("http_addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
		log.Info("daemon_shutdown_signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// relayInbound routes remote-chat messages back to the session whose
// inherited chat/thread pair matches (spec.md §6: forum threads are 1:1
// with sessions). Messages that don't resolve to a known session are
// logged and dropped rather than crashing the poll loop.
func relayInbound(ctx context.Context, gateway chatgateway.ChatGateway, reg *registry.Registry, eng *delivery.Engine, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-gateway.Inbound():
			if !ok {
				return
			}
			sess := reg.FindByChatThread(msg.ChatID, msg.ThreadID)
			if sess == nil {
				log.Warn("inbound_message_unresolved", slog.Int64("chat_id", msg.ChatID), slog.Int64("thread_id", msg.ThreadID))
				continue
			}
			if _, err := eng.Enqueue(ctx, sess.ID, "telegram", "", msg.Text, model.ModeSequential, ""); err != nil {
				log.Warn("inbound_message_enqueue_failed", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
			}
		}
	}
}
