// domed supervises an observatory dome: azimuth drive and shutter over
// serial, exposed to the observatory network over HTTP/websocket.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashdome/domed/internal/api"
	"github.com/ashdome/domed/internal/azimuth"
	"github.com/ashdome/domed/internal/comms"
	"github.com/ashdome/domed/internal/config"
	"github.com/ashdome/domed/internal/dome"
	"github.com/ashdome/domed/internal/pulsar"
	"github.com/ashdome/domed/internal/shutter"
	"github.com/ashdome/domed/internal/telemetry"
)

var configPath = flag.String("config", "domed.yaml", "path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}

	authorize := func(caller string) bool {
		// Internal calls carry an empty caller.
		if caller == "" || len(cfg.ControlMachines) == 0 {
			return true
		}
		for _, m := range cfg.ControlMachines {
			if m == caller {
				return true
			}
		}
		return false
	}

	domeCfg := dome.Config{ParkAzimuth: cfg.ParkAzimuth, Authorize: authorize}

	var d *dome.Dome
	switch cfg.Variant {
	case config.VariantCombined:
		link := comms.NewTransport(comms.Config{
			Port:        cfg.DomeSerial.Port,
			Baud:        cfg.DomeSerial.Baud,
			ReadTimeout: config.Seconds(cfg.DomeSerial.Timeout),
			Retries:     cfg.DomeSerial.Retries,
		})
		p := pulsar.New(pulsar.Config{
			ParkAzimuth:       cfg.ParkAzimuth,
			IdleDelay:         config.Seconds(cfg.AzimuthLoopDelay),
			MovingDelay:       config.Seconds(cfg.AzimuthMovingLoopDelay),
			MoveTimeout:       config.Seconds(cfg.AzimuthMoveTimeout),
			ShutterTimeout:    config.Seconds(cfg.ShutterMoveTimeout),
			PositionTolerance: cfg.PositionTolerance,
			HeartbeatLimit:    cfg.HeartbeatLimit,
		}, link)
		d = dome.New(domeCfg, p, p, p)
		p.Notify = d.OnChange
	case config.VariantSplit:
		azLink := comms.NewTransport(comms.Config{
			Port:        cfg.AzimuthSerial.Port,
			Baud:        cfg.AzimuthSerial.Baud,
			ReadTimeout: config.Seconds(cfg.AzimuthSerial.Timeout),
			Retries:     cfg.AzimuthSerial.Retries,
		})
		az := azimuth.New(azimuth.Config{
			HomeAzimuth:       cfg.HomeAzimuth,
			IdleDelay:         config.Seconds(cfg.AzimuthLoopDelay),
			MovingDelay:       config.Seconds(cfg.AzimuthMovingLoopDelay),
			MoveTimeout:       config.Seconds(cfg.AzimuthMoveTimeout),
			PositionTolerance: cfg.PositionTolerance,
		}, azLink)
		sh := shutter.New(shutter.Config{
			MoveTimeout:    config.Seconds(cfg.ShutterMoveTimeout),
			HeartbeatLimit: cfg.HeartbeatLimit,
		}, comms.Dialer(comms.Config{
			Port:        cfg.ShutterSerial.Port,
			Baud:        cfg.ShutterSerial.Baud,
			ReadTimeout: config.Seconds(cfg.ShutterSerial.Timeout),
		}))
		d = dome.New(domeCfg, az, sh, az, sh)
		az.Notify = d.OnChange
		sh.Notify = d.OnChange
	}

	server := api.NewServer(d)
	notify := []func(dome.Status){server.StatusCallback}
	if cfg.Influx.Server != "" {
		tl := telemetry.New(telemetry.Config{
			Server: cfg.Influx.Server,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		defer tl.Close()
		notify = append(notify, tl.Record)
	}
	d.Notify = func(s dome.Status) {
		for _, f := range notify {
			f(s)
		}
	}

	srv := &http.Server{
		Handler:      server.Router(),
		Addr:         cfg.APIAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		log.Printf("listening on %s", cfg.APIAddr)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
		case <-ctx.Done():
		}
		d.Shutdown("")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
