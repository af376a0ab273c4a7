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

// Package agent wires the device components together: identity,
// certificate lifecycle, secure session and response engine.
package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makerspace/bitnet-agent/pkg/certs"
	"github.com/makerspace/bitnet-agent/pkg/config"
	"github.com/makerspace/bitnet-agent/pkg/engine"
	"github.com/makerspace/bitnet-agent/pkg/identity"
	"github.com/makerspace/bitnet-agent/pkg/inference"
	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
	"github.com/makerspace/bitnet-agent/pkg/session"
)

const (
	shutdownGrace      = 5 * time.Second
	connectWaitTimeout = 30 * time.Second
	probeTimeout       = 5 * time.Second
)

// Agent is the always-on device service.
type Agent struct {
	cfg      *config.Config
	log      logger.Logger
	identity models.DeviceIdentity
	manager  *certs.Manager
	session  *session.Session
	engine   *engine.Engine
	runner   *inference.Runner
}

// New derives the device identity and constructs all components. An
// unreadable host identity is fatal.
func New(cfg *config.Config, log logger.Logger) (*Agent, error) {
	ident, err := identity.NewProvider(cfg.DeviceID).Identity()
	if err != nil {
		return nil, err
	}

	store := certs.NewStore(cfg.CertDir)
	manager := certs.NewManager(certs.ManagerConfig{
		ServiceURL:       cfg.CertServiceURL,
		DeviceType:       cfg.DeviceType,
		Capabilities:     cfg.Capabilities,
		Location:         cfg.Location,
		Description:      cfg.Description,
		RenewalThreshold: cfg.RenewalThreshold,
	}, ident, store, log)

	sess := session.New(session.Config{
		Broker:    cfg.MQTT.Broker,
		Port:      cfg.MQTT.Port,
		Topic:     cfg.MQTT.Topic,
		KeepAlive: cfg.MQTT.KeepAlive.Duration(),
		UseTLS:    cfg.MQTT.TLSEnabled(),
	}, manager, log)

	runner := inference.NewRunner(cfg.Inference.RepoPath, log)

	eng := engine.New(engine.Options{
		DeviceID:       ident.ID,
		Criteria:       cfg.ResponseCriteria,
		PromptTemplate: cfg.PromptTemplate,
		WindowSize:     cfg.ContextWindowSize,
		ResponseDelay:  cfg.ResponseDelay.Duration(),
		Params: inference.Params{
			NPredict:     cfg.Inference.NPredict,
			Threads:      cfg.Inference.Threads,
			ModelPath:    cfg.Inference.ModelPath,
			Conversation: cfg.Inference.Conversation,
			Timeout:      cfg.Inference.Timeout.Duration(),
		},
	}, runner, sess, log)

	return &Agent{
		cfg:      cfg,
		log:      log.WithComponent("agent"),
		identity: ident,
		manager:  manager,
		session:  sess,
		engine:   eng,
		runner:   runner,
	}, nil
}

// Identity returns the derived device identity.
func (a *Agent) Identity() models.DeviceIdentity {
	return a.identity
}

// Register performs the registration exchange and persists the bundle.
func (a *Agent) Register(ctx context.Context) error {
	bundle, err := a.manager.Register(ctx)
	if err != nil {
		return err
	}

	a.log.Info().
		Str("device_id", bundle.DeviceID).
		Time("expires_at", bundle.ExpiresAt).
		Msg("Device registered")

	return nil
}

// Validate checks the inference setup, the certificate bundle and broker
// reachability.
func (a *Agent) Validate(ctx context.Context) error {
	if err := a.runner.ValidateSetup(); err != nil {
		return err
	}

	if _, err := a.manager.EnsureValid(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(a.cfg.MQTT.Broker, fmt.Sprintf("%d", a.cfg.MQTT.Port))

	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return fmt.Errorf("broker %s unreachable: %w", addr, err)
	}

	_ = conn.Close()

	return nil
}

// TestInference runs a single generation with the configured parameters.
func (a *Agent) TestInference(ctx context.Context, prompt string) (string, error) {
	return a.runner.Generate(ctx, prompt, inference.Params{
		NPredict:     a.cfg.Inference.NPredict,
		Threads:      a.cfg.Inference.Threads,
		ModelPath:    a.cfg.Inference.ModelPath,
		Conversation: a.cfg.Inference.Conversation,
		Timeout:      a.cfg.Inference.Timeout.Duration(),
	})
}

// SendMessage connects, publishes one message and disconnects.
func (a *Agent) SendMessage(ctx context.Context, content string, msgType models.MessageType) error {
	if _, err := a.manager.EnsureValid(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.session.Run(runCtx) }()

	if err := a.waitConnected(ctx); err != nil {
		return err
	}

	if err := a.publish(models.NewMessage(a.identity.ID, content, msgType)); err != nil {
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	a.session.Shutdown(shutdownCtx)
	cancel()

	return <-done
}

// Run is the long-running service: certificate renewal, secure session
// and response engine, until the context is canceled by a termination
// signal.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.manager.EnsureValid(ctx); err != nil {
		return err
	}

	a.log.Info().Str("device_id", a.identity.ID).Msg("Starting BitNet device agent")

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return a.session.Run(gctx) })
	g.Go(func() error { return a.engine.Run(gctx, a.session.Inbound()) })
	g.Go(func() error { return a.manager.RunRenewalLoop(gctx, a.cfg.RenewalCheckInterval.Duration()) })

	// Queued until the session first reaches Connected.
	a.announcePresence(fmt.Sprintf("Device %s joined the network with BitNet capabilities", a.identity.ID))

	select {
	case <-ctx.Done():
		a.log.Info().Msg("Shutdown signal received")
	case <-gctx.Done():
		// A component failed fatally; fall through to teardown.
	}

	a.announcePresence(fmt.Sprintf("Device %s leaving the network", a.identity.ID))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	a.session.Shutdown(shutdownCtx)

	// In-flight inference gets a bounded grace period before the worker
	// context is torn down.
	graceTimer := time.AfterFunc(shutdownGrace, cancelRun)
	defer graceTimer.Stop()

	err := g.Wait()

	a.log.Info().Msg("Agent stopped")

	return err
}

// announcePresence publishes a presence message, recording it into the
// conversation context like any other own message.
func (a *Agent) announcePresence(content string) {
	msg := models.NewMessage(a.identity.ID, content, models.MessageTypePresence)
	if err := a.publish(msg); err != nil {
		a.log.Warn().Err(err).Msg("Failed to publish presence message")
	}
}

func (a *Agent) publish(msg models.Message) error {
	a.engine.Window().Append(msg)

	return a.session.Publish(msg)
}

func (a *Agent) waitConnected(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, connectWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("broker connection not established: %w", waitCtx.Err())
		case <-ticker.C:
			if a.session.State() == session.StateConnected {
				return nil
			}
		}
	}
}
