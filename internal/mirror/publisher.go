// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// WatermillPublisher sends events through any watermill publisher.
type WatermillPublisher struct {
	pub     message.Publisher
	subject string

	mu     sync.RWMutex
	closed bool
}

// NewWatermillPublisher publishes events on subject through pub.
func NewWatermillPublisher(pub message.Publisher, subject string) *WatermillPublisher {
	return &WatermillPublisher{pub: pub, subject: subject}
}

// Publish encodes ev and publishes it. The message UUID and the
// Nats-Msg-Id header are both the event's MessageID so JetStream drops
// duplicates inside its window.
func (p *WatermillPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode mirror event: %w", err)
	}

	msg := message.NewMessage(ev.MessageID(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set(natsgo.MsgIdHdr, ev.MessageID())
	msg.Metadata.Set("outcome", string(ev.Outcome))
	msg.Metadata.Set("entity_type", ev.EntityType)

	if err := p.pub.Publish(p.subject, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}

func (p *WatermillPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pub.Close()
}

// NATSConfig configures the JetStream publisher.
type NATSConfig struct {
	URL     string
	Subject string

	// Stream defaults to the subject upper-cased with dots replaced.
	Stream          string
	DuplicateWindow time.Duration
	MaxAge          time.Duration
}

// StreamName returns the JetStream stream that holds the subject.
func (c NATSConfig) StreamName() string {
	if c.Stream != "" {
		return c.Stream
	}
	r := strings.NewReplacer(".", "_", "*", "ALL", ">", "ALL")
	return strings.ToUpper(r.Replace(c.Subject))
}

// NewNATSPublisher ensures the outcome stream exists and returns a
// publisher writing to it through watermill-nats.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logger watermill.LoggerAdapter) (*WatermillPublisher, error) {
	if cfg.Subject == "" {
		return nil, errors.New("mirror subject is required")
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	if err := ensureStream(ctx, cfg); err != nil {
		return nil, err
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("syncward-mirror"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}
	return NewWatermillPublisher(pub, cfg.Subject), nil
}

// ensureStream creates or updates the stream holding cfg.Subject.
func ensureStream(ctx context.Context, cfg NATSConfig) error {
	nc, err := natsgo.Connect(cfg.URL, natsgo.Name("syncward-mirror-init"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:       cfg.StreamName(),
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}

	_, err = js.Stream(ctx, streamCfg.Name)
	switch {
	case err == nil:
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", streamCfg.Name, err)
		}
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", streamCfg.Name, err)
		}
	default:
		return fmt.Errorf("check stream %s: %w", streamCfg.Name, err)
	}
	return nil
}
