package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YamYamee/soft-electronic/internal/api"
	"github.com/YamYamee/soft-electronic/internal/client"
	"github.com/YamYamee/soft-electronic/internal/codec"
	"github.com/YamYamee/soft-electronic/internal/config"
	"github.com/YamYamee/soft-electronic/internal/dispatch"
	"github.com/YamYamee/soft-electronic/internal/feed"
	"github.com/YamYamee/soft-electronic/internal/logging"
	"github.com/YamYamee/soft-electronic/internal/metrics"
	"github.com/YamYamee/soft-electronic/internal/model"
	"github.com/YamYamee/soft-electronic/internal/state"
	"github.com/YamYamee/soft-electronic/internal/transport"
)

func runStream(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	c, err := client.New(cfg.Client, log, client.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer c.Close()

	tracker := state.NewTracker()
	relay := api.NewRelay()
	c.Subscribe(tracker)
	c.Subscribe(relay)
	c.Subscribe(eventLogger(log))

	connected := make(chan struct{})
	var once sync.Once
	// fatal receives the transport failure after which no dial is pending.
	fatal := make(chan error, 1)
	c.Subscribe(dispatch.Funcs{
		State: func(s transport.ConnectionState) {
			if s == transport.StateConnected {
				once.Do(func() { close(connected) })
			}
		},
		Error: func(e model.ErrorEvent) {
			if e.Source != model.SourceTransport || c.Active() {
				return
			}
			select {
			case fatal <- e.Err:
			default:
			}
		},
	})

	log.Info("posturestream starting",
		zap.String("endpoint", cfg.Client.Endpoint),
		zap.String("client_id", c.ID().String()),
	)
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		router := api.NewRouter(c, tracker, relay, reg, log.Named("api"))
		srv := api.NewHTTPServer(cfg.API.ListenAddr, router, log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Feed.Input != "" {
		g.Go(func() error {
			select {
			case <-connected:
			case <-gctx.Done():
				return nil
			}
			return streamFeed(gctx, cfg.Feed, c, log)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-fatal:
			return fmt.Errorf("connection: %w", err)
		}
	})

	err = g.Wait()
	log.Info("posturestream stopping")
	if cerr := c.Close(); cerr != nil {
		log.Warn("close", zap.Error(cerr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// streamFeed replays the configured input. Samples the transport refuses
// are dropped and counted; the feed keeps going.
func streamFeed(ctx context.Context, fc config.FeedConfig, c *client.Client, log *zap.Logger) error {
	rc, err := feed.Open(fc.Input)
	if err != nil {
		return err
	}
	defer rc.Close()

	dropped := 0
	n, err := feed.New(rc, fc.Rate, fc.Burst).Run(ctx, func(s model.Sample) error {
		err := c.Send(s)
		var encErr *codec.EncodeError
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrSendQueueFull), errors.As(err, &encErr):
			dropped++
		default:
			return err
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("feed finished", zap.Int("sent", n-dropped), zap.Int("dropped", dropped), zap.Error(err))
	return err
}

func eventLogger(log *zap.Logger) dispatch.Observer {
	return dispatch.Funcs{
		Prediction: func(p model.PredictionEvent) {
			log.Info("prediction",
				zap.Int("posture", p.PredictedPosture),
				zap.Float64("confidence", p.Confidence),
			)
		},
		Error: func(e model.ErrorEvent) {
			log.Warn("error event", zap.Stringer("source", e.Source), zap.String("message", e.Message))
		},
		State: func(s transport.ConnectionState) {
			log.Info("connection", zap.Stringer("state", s))
		},
		Welcome: func(w model.WelcomeEvent) {
			log.Info("server welcome", zap.String("message", w.Message))
		},
	}
}
