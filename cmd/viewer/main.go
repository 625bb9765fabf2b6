package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/junsooki/secondscreen/internal/config"
	"github.com/junsooki/secondscreen/internal/decoder"
	"github.com/junsooki/secondscreen/internal/display"
	"github.com/junsooki/secondscreen/internal/input"
	"github.com/junsooki/secondscreen/internal/logging"
	"github.com/junsooki/secondscreen/internal/peer"
	"github.com/junsooki/secondscreen/internal/session"
	"github.com/junsooki/secondscreen/internal/transport"
	"github.com/junsooki/secondscreen/internal/units"
)

const decodeQueue = 8

func main() {
	cfg := config.ParseViewerFlags()
	log, err := logging.New(cfg.LogLevel, "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.SignalingURL != "" && cfg.HostID == "" {
		log.Fatal("usage: viewer -signaling <url> -host <host-id>, or viewer -host-url <url>")
	}

	v, err := peer.NewViewer(peer.Config{ICEServers: peer.DefaultICEServers}, log)
	if err != nil {
		log.WithError(err).Fatal("create peer")
	}

	disp := display.NewEbitenDisplay("secondscreen viewer", func(e *input.Event) {
		data, err := input.Encode(e)
		if err != nil {
			return
		}
		// Dropped until the input channel is open.
		_ = v.Input().Send(data)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sig signaler
	if cfg.SignalingURL != "" {
		sig = newRelaySignaler(cfg, log)
	} else {
		sig = newHTTPSignaler(cfg)
	}

	go func() {
		if err := stream(ctx, cfg, v, sig, disp, log); err != nil {
			log.WithError(err).Error("stream failed")
			os.Exit(1)
		}
	}()

	// Ebitengine owns the main goroutine until the window closes.
	if err := disp.Run(); err != nil {
		log.WithError(err).Error("display")
	}
	shutdown(sig, v, log)
}

func stream(ctx context.Context, cfg *config.ViewerConfig, v *peer.Viewer, sig signaler, disp display.Display, log logrus.FieldLogger) error {
	offer, err := v.Offer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	caps := session.Capabilities{Codec: "jpeg", MaxWidth: cfg.MaxWidth, MaxHeight: cfg.MaxHeight}

	octx, cancel := context.WithTimeout(ctx, 30*time.Second)
	answer, id, err := sig.Exchange(octx, offer, caps)
	cancel()
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	sid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("session id %q: %w", id, err)
	}
	if err := v.Accept(answer); err != nil {
		return err
	}
	log = log.WithField("session", id)
	log.Info("answer accepted, connecting")

	recv := transport.NewReceiver(sid)
	queue := make(chan *transport.Frame, decodeQueue)
	var received atomic.Uint64

	v.Frames().OnMessage(func(msg webrtc.DataChannelMessage) {
		received.Add(uint64(len(msg.Data)))
		f, err := recv.HandlePacket(msg.Data)
		if err != nil {
			log.WithError(err).Debug("discarding packet")
			return
		}
		if f == nil {
			return
		}
		select {
		case queue <- f:
		default:
			log.WithField("seq", f.Seq).Debug("decode queue full, frame dropped")
		}
	})
	v.Feedback().OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := recv.HandleSenderReport(msg.Data); err != nil {
			log.WithError(err).Debug("bad sender report")
		}
	})

	go decodeLoop(ctx, queue, disp, log)

	select {
	case <-v.Connected():
		log.Info("streaming")
	case <-v.Lost():
		return fmt.Errorf("peer connection failed before streaming")
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(cfg.FeedbackInterval)
	defer ticker.Stop()
	var lastLog time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.Lost():
			return fmt.Errorf("peer connection lost")
		case now := <-ticker.C:
			fill := float64(len(queue)) / float64(cap(queue))
			out, err := recv.Report(fill)
			if err != nil {
				log.WithError(err).Warn("build receiver report")
				continue
			}
			if out != nil {
				if err := v.Feedback().Send(out); err != nil {
					log.WithError(err).Debug("send receiver report")
				}
			}
			if now.Sub(lastLog) >= 10*time.Second {
				lastLog = now
				st := recv.Stats()
				log.WithFields(logrus.Fields{
					"frames":    st.Completed,
					"abandoned": st.Abandoned,
					"lost":      recv.TotalLost(),
					"received":  units.FormatBytes(received.Load()),
				}).Info("stream stats")
			}
		}
	}
}

func decodeLoop(ctx context.Context, queue <-chan *transport.Frame, disp display.Display, log logrus.FieldLogger) {
	dec := decoder.NewJPEGDecoder()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-queue:
			img, err := dec.Decode(f.Payload)
			if err != nil {
				log.WithError(err).WithField("seq", f.Seq).Debug("decode failed")
				continue
			}
			disp.SetFrame(img)
		}
	}
}

func shutdown(sig signaler, v *peer.Viewer, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sig.Hangup(ctx); err != nil {
		log.WithError(err).Debug("hang up")
	}
	if err := v.Close(); err != nil {
		log.WithError(err).Debug("close peer")
	}
}
