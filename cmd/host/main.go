package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/junsooki/secondscreen/internal/capture"
	"github.com/junsooki/secondscreen/internal/config"
	"github.com/junsooki/secondscreen/internal/input"
	"github.com/junsooki/secondscreen/internal/logging"
	"github.com/junsooki/secondscreen/internal/metrics"
	"github.com/junsooki/secondscreen/internal/peer"
	"github.com/junsooki/secondscreen/internal/permissions"
	"github.com/junsooki/secondscreen/internal/pipeline"
	"github.com/junsooki/secondscreen/internal/server"
	"github.com/junsooki/secondscreen/internal/signaling"
	"github.com/junsooki/secondscreen/internal/units"
)

var version = "dev"

const relayRetry = 5 * time.Second

func main() {
	cfg := config.ParseHostFlags()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("host stopped")
		os.Exit(1)
	}
	log.Info("host stopped")
}

func run(cfg *config.Config, log *logrus.Logger) error {
	p := cfg.Pipeline
	log.WithFields(logrus.Fields{
		"version": version,
		"addr":    cfg.Addr,
		"host_id": cfg.HostID,
		"relay":   cfg.SignalingURL,
		"source":  cfg.Source,
		"fps":     p.FPS,
		"bitrate": units.FormatBitrate(p.InitialBitrate()),
		"bounds":  units.FormatBitrate(p.MinBitrate) + ".." + units.FormatBitrate(p.MaxBitrate),
	}).Info("host starting")

	if missing := permissions.Missing(); len(missing) > 0 {
		return fmt.Errorf("grant %s permission in System Settings and restart", strings.Join(missing, " and "))
	}

	grabber, err := openGrabber(cfg, log)
	if err != nil {
		return fmt.Errorf("capture init: %w", err)
	}
	width, height := p.Width, p.Height
	if s, ok := grabber.(capture.Sizer); ok {
		width, height = s.Size()
	}
	src, err := capture.NewTickSource(grabber, p.FPS)
	if err != nil {
		grabber.Close()
		return err
	}

	injector, err := input.NewPlatformInjector(width, height)
	if err != nil {
		log.WithError(err).Warn("input events will be logged, not injected")
		injector = input.NewLogInjector(log)
	}
	inputs := input.NewChannel(injector, 256, log.WithField("component", "input"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	orch, err := pipeline.New(pipeline.Deps{
		Config:     p,
		Bounds:     config.NewBitrateBounds(p.MinBitrate, p.MaxBitrate),
		Source:     src,
		Negotiator: pipeline.WebRTC(peer.NewNegotiator(peer.Config{ICEServers: cfg.ICEServers, Timeout: p.NegotiationTimeout}, log)),
		Input:      inputs,
		Metrics:    m,
		Log:        log,
	})
	if err != nil {
		src.Close()
		return err
	}

	api := server.New(server.Options{
		Sessions: orch,
		Token:    cfg.Token,
		Version:  version,
		Metrics:  m,
		Gatherer: reg,
		Log:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return api.Run(gctx, cfg.Addr) })
	if cfg.SignalingURL != "" {
		bridge := signaling.NewBridge(orch, p.NegotiationTimeout+time.Second, log)
		g.Go(func() error {
			relayLoop(gctx, cfg, bridge, log)
			bridge.Wait()
			return nil
		})
	}

	log.WithField("host_id", cfg.HostID).Info("host ready")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func openGrabber(cfg *config.Config, log logrus.FieldLogger) (capture.Grabber, error) {
	pattern := func() capture.Grabber {
		return capture.NewPatternGrabber(cfg.Pipeline.Width, cfg.Pipeline.Height)
	}
	switch cfg.Source {
	case "pattern":
		return pattern(), nil
	case "screen":
		return capture.NewScreenGrabber(cfg.DisplayIndex)
	}
	g, err := capture.NewScreenGrabber(cfg.DisplayIndex)
	if errors.Is(err, capture.ErrNotSupported) {
		log.Warn("screen capture not supported here, streaming a test pattern")
		return pattern(), nil
	}
	return g, err
}

// relayLoop keeps the host registered on the relay, reconnecting until ctx ends.
func relayLoop(ctx context.Context, cfg *config.Config, bridge *signaling.Bridge, log logrus.FieldLogger) {
	for {
		client := signaling.NewClient(cfg.SignalingURL, cfg.HostID, signaling.ClientTypeHost, bridge.Handler(), log)
		bridge.SetReplier(client)
		if err := client.Connect(ctx); err != nil {
			log.WithError(err).Warn("relay unavailable")
		} else {
			select {
			case <-ctx.Done():
				client.Close()
				return
			case <-client.Done():
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRetry):
		}
	}
}
