/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package session owns the TLS-authenticated MQTT publish/subscribe
// connection: a state machine with reconnect and capped, jittered
// exponential backoff. Inbound messages are handed off through a bounded
// channel so a slow consumer can never starve the transport's keepalive.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/makerspace/bitnet-agent/pkg/certs"
	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

// State is the session connection state. Exactly one Session (and state)
// exists per process.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionClosed is returned when the session has been shut down.
	ErrSessionClosed = errors.New("session is shut down")
	// ErrClientCertificate is returned when the bundle's key material
	// cannot be loaded as a TLS client certificate.
	ErrClientCertificate = errors.New("failed to load client certificate")
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultInboundQueueDepth = 64
	defaultPublishQueueDepth = 32
	baseReconnectDelay       = time.Second
	maxReconnectDelay        = 60 * time.Second
	publishWaitTimeout       = 10 * time.Second
	disconnectQuiesceMillis  = 500
)

// BundleSource supplies the latest certificate bundle. The session reads
// it at each connection attempt, so a renewed bundle is picked up on the
// next reconnect without explicit coordination.
type BundleSource interface {
	Current() *models.Bundle
}

// Config describes the broker connection.
type Config struct {
	Broker            string
	Port              int
	Topic             string
	KeepAlive         time.Duration
	UseTLS            bool
	ConnectTimeout    time.Duration
	InboundQueueDepth int
	PublishQueueDepth int
}

// Session is the secure publish/subscribe session.
type Session struct {
	cfg     Config
	bundles BundleSource
	log     logger.Logger

	mu      sync.Mutex
	state   State
	client  mqtt.Client
	pending []models.Message
	delay   time.Duration

	inbound chan models.Message
	lost    chan struct{}

	// newClient is swapped in tests for a fake MQTT client.
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New creates a session. Run must be called to drive connections.
func New(cfg Config, bundles BundleSource, log logger.Logger) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.InboundQueueDepth == 0 {
		cfg.InboundQueueDepth = defaultInboundQueueDepth
	}

	if cfg.PublishQueueDepth == 0 {
		cfg.PublishQueueDepth = defaultPublishQueueDepth
	}

	return &Session{
		cfg:       cfg,
		bundles:   bundles,
		log:       log.WithComponent("session"),
		state:     StateDisconnected,
		delay:     baseReconnectDelay,
		inbound:   make(chan models.Message, cfg.InboundQueueDepth),
		lost:      make(chan struct{}, 1),
		newClient: mqtt.NewClient,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Inbound returns the channel of messages received on the subscribed
// topic. Nothing is delivered before the session reaches Connected.
func (s *Session) Inbound() <-chan models.Message {
	return s.inbound
}

// Run drives the connect/reconnect loop until the context is canceled or
// the session is shut down. Each attempt reads the latest bundle from the
// BundleSource. Connection failures are never fatal: they are retried with
// capped, jittered exponential backoff, reset after each success.
func (s *Session) Run(ctx context.Context) error {
	for {
		if s.State() == StateShuttingDown {
			return nil
		}

		if err := s.connect(); err != nil {
			if ctx.Err() != nil || s.State() == StateShuttingDown {
				return nil
			}

			delay := s.nextDelay()
			s.log.Warn().
				Err(err).
				Dur("retry_in", delay).
				Msg("Connection attempt failed")
			s.setState(StateReconnecting)

			select {
			case <-ctx.Done():
				return nil
			case <-s.lost:
				// stale loss signal from the previous link
			case <-time.After(delay):
			}

			continue
		}

		s.resetDelay()
		s.flushPending()

		select {
		case <-ctx.Done():
			return nil
		case <-s.lost:
			if s.State() == StateShuttingDown {
				return nil
			}

			s.setState(StateReconnecting)
		}
	}
}

// connect performs one connection attempt with the latest bundle.
func (s *Session) connect() error {
	// Drain any loss signal left over from the previous link.
	select {
	case <-s.lost:
	default:
	}

	bundle := s.bundles.Current()
	if !bundle.Valid(time.Now()) {
		return certs.ErrNoValidCredential
	}

	s.setState(StateConnecting)

	opts, err := s.clientOptions(bundle)
	if err != nil {
		return err
	}

	client := s.newClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("connect to %s timed out", s.cfg.Broker)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s failed: %w", s.cfg.Broker, err)
	}

	sub := client.Subscribe(s.cfg.Topic, 1, s.handleMessage)
	if !sub.WaitTimeout(s.cfg.ConnectTimeout) || sub.Error() != nil {
		client.Disconnect(disconnectQuiesceMillis)

		if err := sub.Error(); err != nil {
			return fmt.Errorf("subscribe to %s failed: %w", s.cfg.Topic, err)
		}

		return fmt.Errorf("subscribe to %s timed out", s.cfg.Topic)
	}

	s.mu.Lock()

	if s.state == StateShuttingDown {
		s.mu.Unlock()
		client.Disconnect(disconnectQuiesceMillis)

		return nil
	}

	s.client = client
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info().
		Str("broker", s.cfg.Broker).
		Str("topic", s.cfg.Topic).
		Msg("Session connected")

	return nil
}

func (s *Session) clientOptions(bundle *models.Bundle) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if s.cfg.UseTLS {
		scheme = "tls"
	}

	clientID := bundle.ClientName
	if clientID == "" {
		clientID = "device-" + bundle.DeviceID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Broker, s.cfg.Port)).
		SetClientID(clientID).
		SetUsername(bundle.AuthName).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectionLostHandler(s.onConnectionLost)

	if s.cfg.UseTLS {
		tlsCfg, err := s.tlsConfig(bundle)
		if err != nil {
			return nil, err
		}

		opts.SetTLSConfig(tlsCfg)
	}

	return opts, nil
}

// tlsConfig builds the client TLS configuration from the bundle: client
// certificate for authentication, the issued CA chain (or system roots)
// for broker verification.
func (s *Session) tlsConfig(bundle *models.Bundle) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(bundle.CertPEM, bundle.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientCertificate, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   s.cfg.Broker,
		MinVersion:   tls.VersionTLS12,
	}

	if len(bundle.CAChainPEM) > 0 {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(bundle.CAChainPEM) {
			cfg.RootCAs = pool
		} else {
			s.log.Warn().Msg("Delivered CA chain is unparseable; using system roots")
		}
	}

	return cfg, nil
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.log.Warn().Err(err).Msg("Broker link lost")

	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// handleMessage runs on the transport's read path and must never block:
// the parsed message is handed to the bounded inbound channel, dropped
// with a warning when the consumer lags behind.
func (s *Session) handleMessage(_ mqtt.Client, raw mqtt.Message) {
	msg, err := models.UnmarshalWire(raw.Payload())
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("topic", raw.Topic()).
			Msg("Dropping malformed message payload")

		return
	}

	if s.State() != StateConnected {
		return
	}

	select {
	case s.inbound <- msg:
	default:
		s.log.Warn().
			Str("message_id", msg.ID).
			Msg("Inbound queue full; dropping message")
	}
}

// Publish sends a message to the configured topic. While not connected
// the message is queued in a bounded buffer; on overflow the oldest
// queued message is dropped with a warning.
func (s *Session) Publish(msg models.Message) error {
	s.mu.Lock()

	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if s.state != StateConnected || s.client == nil {
		if len(s.pending) >= s.cfg.PublishQueueDepth {
			dropped := s.pending[0]
			s.pending = s.pending[1:]
			s.log.Warn().
				Str("message_id", dropped.ID).
				Msg("Publish queue full; dropping oldest message")
		}

		s.pending = append(s.pending, msg)
		s.mu.Unlock()

		return nil
	}

	client := s.client
	s.mu.Unlock()

	return s.publishNow(client, msg)
}

func (s *Session) publishNow(client mqtt.Client, msg models.Message) error {
	payload, err := msg.MarshalWire()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	token := client.Publish(s.cfg.Topic, 1, false, payload)
	if !token.WaitTimeout(publishWaitTimeout) {
		return fmt.Errorf("publish of message %s timed out", msg.ID)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish of message %s failed: %w", msg.ID, err)
	}

	return nil
}

// flushPending publishes messages queued while disconnected.
func (s *Session) flushPending() {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return
	}

	for _, msg := range queued {
		if err := s.publishNow(client, msg); err != nil {
			s.log.Warn().Err(err).Msg("Failed to flush queued message")
		}
	}
}

// Shutdown performs scoped teardown: unsubscribe, best-effort flush of
// pending publishes within the context's bound, transport close. The
// session ends in the terminal ShuttingDown state.
func (s *Session) Shutdown(ctx context.Context) {
	s.mu.Lock()

	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}

	wasConnected := s.state == StateConnected
	s.state = StateShuttingDown
	client := s.client
	s.client = nil
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	// Unblock Run if it is waiting on link loss.
	select {
	case s.lost <- struct{}{}:
	default:
	}

	if client == nil {
		return
	}

	if wasConnected {
		for _, msg := range queued {
			if ctx.Err() != nil {
				break
			}

			if err := s.publishNow(client, msg); err != nil {
				s.log.Warn().Err(err).Msg("Failed to flush message during shutdown")
			}
		}

		if token := client.Unsubscribe(s.cfg.Topic); !token.WaitTimeout(time.Second) {
			s.log.Warn().Msg("Unsubscribe timed out during shutdown")
		}
	}

	client.Disconnect(disconnectQuiesceMillis)
	s.log.Info().Msg("Session shut down")
}

func (s *Session) setState(next State) {
	s.mu.Lock()

	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return
	}

	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.log.Debug().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("Session state changed")
	}
}

// nextDelay returns the current backoff delay with ±50% jitter applied
// and advances the schedule. Delays are non-decreasing up to the cap.
func (s *Session) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	jittered := s.delay/2 + time.Duration(rand.Int63n(int64(s.delay)))
	s.delay = min(s.delay*2, maxReconnectDelay)

	return jittered
}

func (s *Session) resetDelay() {
	s.mu.Lock()
	s.delay = baseReconnectDelay
	s.mu.Unlock()
}
