package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/kserial/internal/api"
	"github.com/banshee-data/kserial/internal/config"
	"github.com/banshee-data/kserial/internal/db"
	"github.com/banshee-data/kserial/internal/ingest"
	"github.com/banshee-data/kserial/internal/kserial"
	"github.com/banshee-data/kserial/internal/serialmux"
	"github.com/banshee-data/kserial/internal/stream"
	"github.com/banshee-data/kserial/internal/timeutil"
	"github.com/banshee-data/kserial/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	port          = flag.String("port", "/dev/rfcomm0", "Serial or RFCOMM device to read (ignored in dev mode)")
	baud          = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	dbPath        = flag.String("db", "kserial.db", "sqlite database path; empty disables persistence")
	jsonlPath     = flag.String("jsonl", "", "Append every decoded packet to this JSONL file")
	devMode       = flag.Bool("dev", false, "Feed synthetic frames instead of opening a port")
	disableSerial = flag.Bool("disable-serial", false, "Run the API without any serial link")
	history       = flag.Int("history", 1000, "Number of decoded packets to keep in memory")
	timeUnit      = flag.Float64("time-unit", 0, "Seconds per packet timestamp unit; 0 uses host time")
	loss          = flag.Bool("loss", true, "Detect gaps in the rolling packet counter")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// shutdownTimeout bounds how long the HTTP server may take to drain.
const shutdownTimeout = 2 * time.Second

func ptr[T any](v T) *T { return &v }

// applyFlagOverrides copies explicitly set flags over cfg. set holds the names
// of the flags given on the command line.
func applyFlagOverrides(cfg *config.Config, set map[string]bool) {
	if set["port"] {
		cfg.Port = ptr(*port)
	}
	if set["baud"] {
		var opts serialmux.PortOptions
		if cfg.Serial != nil {
			opts = *cfg.Serial
		}
		opts.BaudRate = *baud
		cfg.Serial = &opts
	}
	if set["listen"] {
		cfg.Listen = ptr(*listen)
	}
	if set["db"] {
		cfg.DBPath = ptr(*dbPath)
	}
	if set["jsonl"] {
		cfg.JSONLPath = ptr(*jsonlPath)
	}
	if set["history"] {
		cfg.HistoryCapacity = ptr(*history)
	}
	if set["time-unit"] {
		cfg.TimeUnit = ptr(*timeUnit)
	}
	if set["loss"] {
		cfg.LossDetection = ptr(*loss)
	}
	// dev frames carry a millisecond clock
	if *devMode && cfg.TimeUnit == nil {
		cfg.TimeUnit = ptr(devTimeUnit)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(path string, set map[string]bool) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	applyFlagOverrides(cfg, set)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openLink picks the byte source: disabled, synthetic, or a real port opened
// through factory.
func openLink(cfg *config.Config, factory serialmux.SerialPortFactory, clock timeutil.Clock) (serialmux.SerialMuxInterface, string, error) {
	switch {
	case *disableSerial:
		return serialmux.NewDisabledSerialMux(), "disabled", nil
	case *devMode:
		m := serialmux.NewMockSerialMux(devFrames(), devInterval, clock)
		m.SetReadSize(cfg.GetReadSize())
		return m, "dev", nil
	}
	mode, err := cfg.GetSerial().PortMode()
	if err != nil {
		return nil, "", err
	}
	m, err := serialmux.OpenSerialMux(factory, cfg.GetPort(), mode)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", cfg.GetPort(), err)
	}
	m.SetReadSize(cfg.GetReadSize())
	return m, cfg.GetPort(), nil
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(*configFile, set)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.GetListen() == "" {
		log.Fatal("Listen address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, serialmux.NewRealSerialPortFactory(), timeutil.RealClock{}); err != nil {
		log.Fatalf("kserial: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// run wires the link, the ingest worker, its sinks and the HTTP server, and
// blocks until ctx is cancelled or the link disconnects.
func run(ctx context.Context, cfg *config.Config, factory serialmux.SerialPortFactory, clock timeutil.Clock) error {
	link, linkName, err := openLink(cfg, factory, clock)
	if err != nil {
		return err
	}
	defer link.Close()
	log.Printf("reading %s (%s)", linkName, cfg.GetSerial())

	streamCfg := cfg.StreamConfig()
	streamCfg.Clock = clock
	session, err := stream.New(kserial.NewDecoder(), streamCfg)
	if err != nil {
		return err
	}

	hub := ingest.NewHub()
	opts := []ingest.Option{
		ingest.WithOverflowPolicy(cfg.GetOverflowPolicy()),
		ingest.WithSmoothing(cfg.GetSmoothing()),
		ingest.WithClock(clock),
		ingest.WithSink(hub),
		ingest.WithSink(deviceReplyLogger()),
	}

	var store *db.DB
	var recorder *db.Recorder
	if path := cfg.GetDBPath(); path != "" {
		if store, err = db.NewDB(path); err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		meta := db.SessionMeta{Port: linkName, Decoder: "kserial", Config: cfg}
		if recorder, err = db.NewRecorder(store, meta, clock); err != nil {
			return err
		}
		opts = append(opts, ingest.WithSink(recorder))
	}

	if path := cfg.GetJSONLPath(); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open jsonl log: %w", err)
		}
		defer f.Close()
		opts = append(opts, ingest.WithSink(ingest.NewJSONLSink(f, typeName)))
	}

	// subscribe before the monitor starts so no chunk, and no reply to the
	// startup commands, is missed
	subID, chunks := link.Subscribe()
	opts = append(opts, ingest.WithLinkDrops(func() uint64 { return link.SubscriberDropped(subID) }))
	worker := ingest.NewWorker(session, opts...)
	for _, frame := range startupCommands(cfg.GetDevice()) {
		if err := link.Send(frame); err != nil {
			log.Printf("failed to send startup command: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	// the worker ending means the link went away; stop everything else too
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		err := link.Monitor(gctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		log.Print("monitor routine terminated")
		// closing the link closes the subscriber channel and ends the worker
		link.Close()
		return err
	})

	g.Go(func() error {
		defer cancel()
		defer link.Unsubscribe(subID)
		err := worker.Run(gctx, chunks)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		log.Printf("ingest routine terminated")
		return err
	})

	if recorder != nil {
		g.Go(func() error {
			return recorder.Run(gctx, cfg.GetStatsInterval(), func() stream.Snapshot {
				return worker.Status().Snapshot
			})
		})
	}

	g.Go(func() error {
		var sessions api.SessionStore
		if store != nil {
			sessions = store
		}
		mux := api.NewServer(link, worker, hub, sessions).ServeMux()
		link.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}
		return serveHTTP(gctx, cfg.GetListen(), api.LoggingMiddleware(mux))
	})

	return g.Wait()
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}
