package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"teleconsult/native/internal/api"
	"teleconsult/native/internal/call"
	"teleconsult/native/internal/config"
	"teleconsult/native/internal/handoff"
	"teleconsult/native/internal/history"
	"teleconsult/native/internal/signal"
	"teleconsult/native/internal/webrtc"
)

// app holds the collaborators shared by every controller of one process.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	broker   *signal.Broker
	waker    *signal.Waker
	peers    *webrtc.Factory
	media    *webrtc.FileSource
	history  *history.Store
	handoffs *handoff.Store
}

func newApp(ctx context.Context, cfg *config.Config, l zerolog.Logger) (*app, error) {
	log := l.With().Str("component", "main").Logger()

	iceServers := cfg.ICEServers
	if cfg.ICEURL != "" {
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		servers, err := api.NewClient(cfg.ICEURL, cfg.ICEToken).FetchICEServers(fctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("fetch ice servers failed, using configured servers")
		} else {
			iceServers = servers
			log.Info().Int("servers", len(servers)).Msg("ice servers fetched")
		}
	}

	peers, err := webrtc.NewFactory(iceServers, l)
	if err != nil {
		return nil, fmt.Errorf("create peer factory: %w", err)
	}

	store, err := history.Open(cfg.HistoryDB, l)
	if err != nil {
		return nil, err
	}

	broker := signal.NewBroker(cfg.SignalURL, l)
	if err := broker.Connect(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("connect to signalhub: %w", err)
	}
	log.Info().Str("url", cfg.SignalURL).Str("user", cfg.UserID).Msg("connected")

	return &app{
		cfg:      cfg,
		log:      l,
		broker:   broker,
		waker:    signal.NewWaker(broker),
		peers:    peers,
		media:    webrtc.NewFileSource(cfg.AudioFile, cfg.VideoFile, l),
		history:  store,
		handoffs: handoff.New(),
	}, nil
}

// registry returns a Registry whose controllers wake remoteID when they
// start a call. obs receive every notice next to the log observer.
func (a *app) registry(remoteID string, obs ...call.Observer) *call.Registry {
	observer := call.Observers(append([]call.Observer{call.NewLogObserver(a.log)}, obs...)...)
	return call.NewRegistry(func(conversationID string) (*call.Controller, error) {
		return call.New(call.Options{
			ConversationID:   conversationID,
			SelfID:           a.cfg.UserID,
			SelfName:         a.cfg.UserName,
			RemoteUserID:     remoteID,
			ResubscribeDelay: a.cfg.ResubscribeDelay,
			EndedResetDelay:  a.cfg.EndedResetDelay,
			RingTimeout:      a.cfg.RingTimeout,
			Logger:           a.log,
		}, call.Deps{
			Broker:   a.broker,
			Media:    a.media,
			Peers:    a.peers,
			History:  a.history,
			Waker:    a.waker,
			Handoff:  a.handoffs,
			Observer: observer,
		})
	})
}

func (a *app) Close() {
	a.broker.Close()
	if err := a.history.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close history")
	}
}
