package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/junsooki/secondscreen/internal/config"
	"github.com/junsooki/secondscreen/internal/session"
	"github.com/junsooki/secondscreen/internal/signaling"
)

// signaler carries the offer/answer exchange to the host.
type signaler interface {
	Exchange(ctx context.Context, offer webrtc.SessionDescription, caps session.Capabilities) (webrtc.SessionDescription, string, error)
	Hangup(ctx context.Context) error
}

// httpSignaler talks to the host's signaling API directly.
type httpSignaler struct {
	base     string
	token    string
	client   *http.Client
	location string
}

func newHTTPSignaler(cfg *config.ViewerConfig) *httpSignaler {
	return &httpSignaler{
		base:   strings.TrimRight(cfg.HostURL, "/"),
		token:  cfg.Token,
		client: &http.Client{},
	}
}

func (s *httpSignaler) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return s.client.Do(req)
}

func (s *httpSignaler) Exchange(ctx context.Context, offer webrtc.SessionDescription, caps session.Capabilities) (webrtc.SessionDescription, string, error) {
	body, err := json.Marshal(signaling.OfferPayload{Type: offer.Type.String(), SDP: offer.SDP, Caps: caps})
	if err != nil {
		return webrtc.SessionDescription{}, "", err
	}
	resp, err := s.do(ctx, http.MethodPost, s.base+"/api/v1/sessions", body)
	if err != nil {
		return webrtc.SessionDescription{}, "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return webrtc.SessionDescription{}, "", fmt.Errorf("host replied %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var ans signaling.AnswerPayload
	if err := json.Unmarshal(data, &ans); err != nil {
		return webrtc.SessionDescription{}, "", fmt.Errorf("decode answer: %w", err)
	}
	s.location = resp.Header.Get("Location")
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(ans.Type), SDP: ans.SDP}, ans.SessionID, nil
}

func (s *httpSignaler) Hangup(ctx context.Context) error {
	if s.location == "" {
		return nil
	}
	resp, err := s.do(ctx, http.MethodDelete, s.base+s.location, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("close session: %s", resp.Status)
	}
	return nil
}

// relaySignaler reaches the host through the relay server.
type relaySignaler struct {
	hostID string
	client *signaling.Client

	registered chan struct{}
	answers    chan signaling.AnswerPayload
	failures   chan string
	once       sync.Once
}

func newRelaySignaler(cfg *config.ViewerConfig, log logrus.FieldLogger) *relaySignaler {
	s := &relaySignaler{
		hostID:     cfg.HostID,
		registered: make(chan struct{}),
		answers:    make(chan signaling.AnswerPayload, 1),
		failures:   make(chan string, 1),
	}
	s.client = signaling.NewClient(cfg.SignalingURL, cfg.ViewerID, signaling.ClientTypeViewer, signaling.Handler{
		OnRegistered: func() { s.once.Do(func() { close(s.registered) }) },
		OnAnswer: func(from string, payload json.RawMessage) {
			var ans signaling.AnswerPayload
			if from != s.hostID || json.Unmarshal(payload, &ans) != nil {
				return
			}
			select {
			case s.answers <- ans:
			default:
			}
		},
		OnError: func(msg string) {
			select {
			case s.failures <- msg:
			default:
			}
		},
		OnHostDisconnected: func(id string) {
			if id == s.hostID {
				log.WithField("host", id).Warn("host left the relay")
			}
		},
	}, log)
	return s
}

func (s *relaySignaler) Exchange(ctx context.Context, offer webrtc.SessionDescription, caps session.Capabilities) (webrtc.SessionDescription, string, error) {
	if err := s.client.Connect(ctx); err != nil {
		return webrtc.SessionDescription{}, "", err
	}
	select {
	case <-s.registered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, "", ctx.Err()
	}
	if err := s.client.SendOffer(s.hostID, signaling.OfferPayload{Type: offer.Type.String(), SDP: offer.SDP, Caps: caps}); err != nil {
		return webrtc.SessionDescription{}, "", err
	}

	select {
	case ans := <-s.answers:
		return webrtc.SessionDescription{Type: webrtc.NewSDPType(ans.Type), SDP: ans.SDP}, ans.SessionID, nil
	case msg := <-s.failures:
		return webrtc.SessionDescription{}, "", errors.New(msg)
	case <-s.client.Done():
		return webrtc.SessionDescription{}, "", errors.New("relay connection closed")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, "", ctx.Err()
	}
}

func (s *relaySignaler) Hangup(ctx context.Context) error {
	err := s.client.SendBye(s.hostID)
	if errors.Is(err, signaling.ErrNotConnected) {
		err = nil
	}
	s.client.Close()
	return err
}
