package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/sawt/pkg/logging"
	"github.com/harunnryd/sawt/pkg/sawt"
	"github.com/harunnryd/sawt/pkg/transports"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config; empty runs with mock vendors")
	dialTo := flag.String("dial_to", "", "destination number for an outbound call placed at startup")
	dialFrom := flag.String("dial_from", "", "caller ID for the outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for the outbound call")
	flag.Parse()

	cfg := sawt.DefaultConfig()
	if *configPath != "" {
		loaded, err := sawt.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	log := logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := sawt.NewEngine(ctx, sawt.EngineOptions{Config: cfg, Logger: log})
	if err != nil {
		log.Error("engine_init_failed", "error", err.Error())
		os.Exit(1)
	}

	if *dialTo != "" && *dialFrom != "" {
		go dial(ctx, log, app.Transport(), *dialTo, *dialFrom, *dialURL)
	}

	if err := app.Run(ctx); err != nil {
		log.Error("engine_stopped", "error", err.Error())
		os.Exit(1)
	}
}

func dial(ctx context.Context, log *slog.Logger, t transports.Transport, to, from, url string) {
	dialer, ok := t.(transports.OutboundDialer)
	if !ok {
		log.Warn("transport_no_outbound_dialer", "transport", t.Name())
		return
	}
	callSID, err := dialer.Dial(ctx, to, from, url)
	if err != nil {
		log.Error("outbound_dial_failed", "error", err.Error())
		return
	}
	log.Info("outbound_dial_started", "call_sid", callSID)
}
