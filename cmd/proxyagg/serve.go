package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/downtoearthtw/proxy-aggregator/internal/api"
	"github.com/downtoearthtw/proxy-aggregator/internal/config"
)

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("component", "serve")
	if config.IsWeakToken(cfg.Token) {
		log.Warn("server.token is weak; use a long random value")
	}
	if cfg.Token == "" {
		log.Warn("server.token is empty; subscriptions are served without auth")
	}

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	latest := &api.Latest{}
	pub := &publisher{ctx: ctx, runner: a.runner, latest: latest, log: log}

	srvCfg := api.Config{
		Listen:  cfg.Listen,
		Token:   cfg.Token,
		Latest:  latest,
		Trigger: pub.trigger,
	}
	if a.history != nil {
		srvCfg.History = a.history
	}
	srv := api.NewServer(srvCfg)

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Schedule, pub.runAndPublish); err != nil {
		return fmt.Errorf("server.schedule: %w", err)
	}
	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("listen", cfg.Listen).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// First batch right away so subscriptions are available before the
	// first scheduled tick.
	pub.start()

	var runtimeErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err, ok := <-serverErr:
		if ok {
			runtimeErr = fmt.Errorf("http server: %w", err)
		}
	}

	<-sched.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown error")
	}
	stop()
	pub.wait()
	log.Info("server stopped")
	return runtimeErr
}
