package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/trackd/internal/gps"
	"github.com/shaunagostinho/trackd/internal/guard"
	"github.com/shaunagostinho/trackd/internal/hub"
	"github.com/shaunagostinho/trackd/internal/server"
	"github.com/shaunagostinho/trackd/internal/session"
	"github.com/shaunagostinho/trackd/internal/tracklog"
)

func main() {
	configPath := flag.String("config", "/etc/trackd/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated GPS data")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	start := flag.Bool("start", false, "Start tracking immediately")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] trackd starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var source gps.Source
	switch cfg.GPS.Type {
	case "nmea":
		source = gps.NewPoller(gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		}))
	case "gpsd":
		source = gps.NewPoller(gps.NewGPSD(gps.GPSDConfig{Address: cfg.GPS.GPSDAddr}))
	case "disabled":
		source = disabledSource{}
	default:
		source = gps.NewPoller(gps.NewDemoGPS())
	}

	var g guard.Guard = guard.Noop{}
	if cfg.Guard.Type == "lock" {
		g = guard.NewLock(cfg.Guard.LockPath)
	}

	history := tracklog.New(tracklog.Config{
		Path:     cfg.History.Path,
		Location: cfg.HistoryLocation(),
	})
	defer history.Close()

	h := hub.New()
	sess := session.New(source, history, g, h, session.Config{Location: cfg.HistoryLocation()})

	if *start || cfg.Tracking.Autostart {
		if err := autostart(ctx, cfg, sess); err != nil {
			log.Printf("[main] autostart failed: %v", err)
		}
	}

	srv := server.New(cfg, sess, history, h)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := sess.Stop(stopCtx); err != nil {
		log.Printf("[main] stop: %v", err)
	}
	log.Println("[main] stopped")
}

// autostart begins tracking at the foreground interval.
func autostart(ctx context.Context, cfg *server.Config, t server.Tracker) error {
	interval, err := cfg.Interval("foreground")
	if err != nil {
		return fmt.Errorf("autostart: %w", err)
	}
	return t.Start(ctx, interval)
}

var errGPSDisabled = errors.New("gps: disabled in config")

// disabledSource refuses every subscription.
type disabledSource struct{}

func (disabledSource) Subscribe(ctx context.Context, interval time.Duration, fn func(gps.Sample), onErr func(error)) (gps.Handle, error) {
	return 0, errGPSDisabled
}

func (disabledSource) Unsubscribe(h gps.Handle) error { return gps.ErrUnknownHandle }
