// Command sensible fuses radar and DSRC vehicle reports into a single track
// table and streams the confirmed tracks to downstream consumers.
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
	"sync"
	"syscall"
	"time"

	"github.com/kejingjing/sensible/internal/bus"
	"github.com/kejingjing/sensible/internal/config"
	"github.com/kejingjing/sensible/internal/dsrc"
	"github.com/kejingjing/sensible/internal/fusion"
	"github.com/kejingjing/sensible/internal/monitoring"
	"github.com/kejingjing/sensible/internal/output"
	"github.com/kejingjing/sensible/internal/radar"
	"github.com/kejingjing/sensible/internal/serialmux"
	"github.com/kejingjing/sensible/internal/store"
	"github.com/kejingjing/sensible/internal/timeutil"
	"github.com/kejingjing/sensible/internal/version"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// routable is implemented by every component with debug pages.
type routable interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

type debugFunc func(mux *http.ServeMux)

func (f debugFunc) AttachAdminRoutes(mux *http.ServeMux) { f(mux) }

func run(ctx context.Context, cfg config.Config) error {
	monitoring.SetVerbose(cfg.Verbose)
	log.Printf("%s starting", version.String())

	if cfg.RunFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.RunFor))
		defer cancel()
		log.Printf("running for %s", time.Duration(cfg.RunFor))
	}

	clock := timeutil.RealClock{}

	b, err := bus.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()

	publisher := output.NewPublisher(output.Config{ListenAddr: fmt.Sprintf(":%d", cfg.Output.Port)})
	sinks := fusion.MultiSink{publisher}
	opts := []fusion.Option{fusion.WithClock(clock)}
	routes := []routable{debugFunc(publisher.AttachDebugRoutes)}

	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path, version.String())
		if err != nil {
			return fmt.Errorf("failed to open message log: %w", err)
		}
		defer st.Close()
		log.Printf("logging session %s to %s", st.Session(), cfg.Store.Path)
		sinks = append(sinks, st)
		opts = append(opts, fusion.WithRecorder(st))
		routes = append(routes, debugFunc(func(mux *http.ServeMux) {
			if err := st.AttachAdminRoutes(mux); err != nil {
				log.Printf("store admin routes: %v", err)
			}
		}))
	}
	opts = append(opts, fusion.WithSink(sinks))

	engine, err := fusion.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create fusion engine: %w", err)
	}
	routes = append(routes, debugFunc(engine.AttachDebugRoutes))

	radarSerial, err := serialmux.Open(cfg.Radar)
	if err != nil {
		return fmt.Errorf("failed to create radar port: %w", err)
	}
	defer radarSerial.Close()
	routes = append(routes, radarSerial)

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	if cfg.Radar.Enabled {
		var csv *radar.CSVRecorder
		if cfg.Radar.RecordCSV != "" {
			if csv, err = radar.NewCSVRecorder(cfg.Radar.RecordCSV); err != nil {
				return fmt.Errorf("failed to open radar csv: %w", err)
			}
			defer csv.Close()
		}
		queue := &radar.Queue{}
		adapter, err := radar.NewAdapter(cfg.Site, queue, clock, csv)
		if err != nil {
			return fmt.Errorf("failed to create radar adapter: %w", err)
		}
		synchronizer := radar.NewSynchronizer(queue, b, clock, radar.DefaultPublishRate)

		goRun("radar monitor", func() error { return radarSerial.Monitor(ctx) })
		goRun("radar adapter", func() error { return adapter.Run(ctx, radarSerial) })
		goRun("radar synchronizer", func() error { return synchronizer.Run(ctx) })
	}

	if cfg.DSRC.Enabled {
		listener, err := dsrc.NewListener(cfg, b, clock)
		if err != nil {
			return fmt.Errorf("failed to create dsrc listener: %w", err)
		}
		if cfg.DSRC.PCAPFile != "" {
			goRun("dsrc replay", func() error {
				n, err := dsrc.ReplayPCAP(ctx, cfg.DSRC.PCAPFile,
					dsrc.ReplayOptions{Port: cfg.DSRC.RemotePort, Realtime: true}, listener.Handle)
				log.Printf("replayed %d dsrc packets from %s", n, cfg.DSRC.PCAPFile)
				return err
			})
		} else {
			goRun("dsrc listener", func() error { return listener.Start(ctx) })
		}
	}

	goRun("fusion engine", func() error { return engine.Run(ctx, b) })
	goRun("track stream", func() error { return publisher.Run(ctx) })

	if cfg.Listen != "" {
		mux := http.NewServeMux()
		for _, r := range routes {
			r.AttachAdminRoutes(mux)
		}
		goRun("HTTP server", func() error { return serveDebug(ctx, cfg.Listen, mux) })
	}

	wg.Wait()
	s := engine.Stats().Values()
	log.Printf("fusion: %d cycles, %d measurements, %d tracks created, %d confirmed",
		s["cycles"], s["inbound"], s["created"], s["confirmed"])
	return nil
}

func serveDebug(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	log.Printf("debug server listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return server.Close()
	}
	return nil
}
