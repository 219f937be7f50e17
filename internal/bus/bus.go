/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bus consumes ingress events from a NATS JetStream durable consumer.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apgms/escrow"
	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/internal/notification"
	"github.com/apgms/escrow/model"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Handler applies one decoded envelope.
type Handler interface {
	HandleEvent(ctx context.Context, env *model.EventEnvelope) error
}

type disposition int

const (
	ack disposition = iota
	term
	nak
)

func (d disposition) String() string {
	switch d {
	case ack:
		return "ack"
	case term:
		return "term"
	default:
		return "nak"
	}
}

type Consumer struct {
	conn     *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	handler  Handler
	cfg      config.NatsConfig
	ctx      context.Context
	inflight sync.WaitGroup
	mu       sync.Mutex
}

// Connect dials NATS and opens a JetStream context.
func Connect(cfg config.NatsConfig) (*nats.Conn, nats.JetStreamContext, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("escrow-ingest"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return conn, js, nil
}

func NewConsumer(conn *nats.Conn, js nats.JetStreamContext, handler Handler, cfg config.NatsConfig) *Consumer {
	return &Consumer{conn: conn, js: js, handler: handler, cfg: cfg}
}

// Start ensures the stream exists and binds the durable push consumer with manual acks.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}

	if _, err := c.js.StreamInfo(c.cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:      c.cfg.Stream,
			Subjects:  []string{c.cfg.Subject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		}); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", c.cfg.Stream, err)
		}
	} else if err != nil {
		return err
	}

	c.ctx = ctx
	sub, err := c.js.Subscribe(c.cfg.Subject, c.onMessage,
		nats.Durable(c.cfg.Durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.MaxDeliver(c.cfg.MaxDeliver),
		nats.AckWait(time.Duration(c.cfg.AckWaitSec)*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to JetStream subscribe: %w", err)
	}
	c.sub = sub
	logrus.Infof("Consuming %s on stream %s as %s", c.cfg.Subject, c.cfg.Stream, c.cfg.Durable)
	return nil
}

// Stop drains the subscription and waits for messages already handed to the handler.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Drain()
	}
	c.inflight.Wait()
	return err
}

func (c *Consumer) onMessage(msg *nats.Msg) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	var err error
	switch c.process(c.ctx, msg.Data) {
	case ack:
		err = msg.Ack()
	case term:
		err = msg.Term()
	case nak:
		err = msg.NakWithDelay(time.Duration(c.cfg.NakDelaySec) * time.Second)
	}
	if err != nil {
		logrus.Errorf("failed to settle message on %s: %v", msg.Subject, err)
	}
}

// process decodes and applies one message and reports how it must be settled.
func (c *Consumer) process(ctx context.Context, data []byte) disposition {
	var env model.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logrus.Errorf("dropping undecodable event: %v", err)
		return term
	}

	logger := logrus.WithFields(logrus.Fields{"event_id": env.ID, "event_type": env.EventType, "org_id": env.OrgID})
	err := c.handler.HandleEvent(ctx, &env)
	d := classify(err)
	switch d {
	case ack:
		if err != nil {
			logger.Warnf("event rejected: %v", err)
			notification.NotifyError(fmt.Errorf("event %s (%s) rejected: %w", env.ID, env.EventType, err))
		}
	case term:
		logger.Errorf("dropping event: %v", err)
	case nak:
		logger.Warnf("event failed, redelivering: %v", err)
	}
	return d
}

// classify maps a handler outcome onto a settlement. Business rejections are final and acked so
// they are not redelivered; only infrastructure failures are retried.
func classify(err error) disposition {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, escrow.ErrUnknownEventType), errors.Is(err, escrow.ErrMalformedEvent):
		return term
	case apierror.IsTerminal(err):
		return ack
	default:
		return nak
	}
}
