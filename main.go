package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/pkg/profile"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"fedmesh.dev/app"
	"fedmesh.dev/app/config"
	"fedmesh.dev/pkg/version"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU() * 4)
	var err error
	var cfg *config.C
	if cfg, err = config.New(); chk.T(err) {
		os.Exit(1)
	}
	log.I.F("starting %s %s", cfg.AppName, version.V)

	switch cfg.Pprof {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(cfg.DataDir)).Stop()
	case "memory":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(cfg.DataDir)).Stop()
	case "allocation":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath(cfg.DataDir)).Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	svc, err := app.New(ctx, cfg)
	if chk.E(err) {
		cancel()
		os.Exit(1)
	}

	var healthSrv *http.Server
	if cfg.HealthPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		healthSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Listen, cfg.HealthPort),
			Handler: mux,
		}
		go func() {
			log.I.F("health check server listening on %s", healthSrv.Addr)
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.E.F("health server error: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelShutdown()
			_ = healthSrv.Shutdown(shutdownCtx)
		}()
	}

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case <-sigs:
		fmt.Printf("\r")
		cancel()
	case <-done:
		return
	}
	<-done
}
