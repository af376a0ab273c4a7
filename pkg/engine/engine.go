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

// Package engine decides which inbound messages warrant a generated reply
// and produces them. It consumes the session's inbound channel on a single
// worker, so inference latency never touches the transport's read loop and
// context-window appends preserve receipt order.
package engine

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/makerspace/bitnet-agent/pkg/config"
	"github.com/makerspace/bitnet-agent/pkg/inference"
	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

const promptContextDepth = 3

// Publisher is the sink for generated replies.
type Publisher interface {
	Publish(msg models.Message) error
}

// Options configure the engine.
type Options struct {
	DeviceID       string
	Criteria       config.ResponseCriteria
	PromptTemplate string
	WindowSize     int
	ResponseDelay  time.Duration
	Params         inference.Params
}

// Engine is the message intake pipeline: filter, contextualize, generate,
// publish.
type Engine struct {
	opts      Options
	gateway   inference.Gateway
	publisher Publisher
	window    *ContextWindow
	log       logger.Logger

	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine publishing replies as the given device.
func New(opts Options, gateway inference.Gateway, publisher Publisher, log logger.Logger) *Engine {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 100
	}

	return &Engine{
		opts:      opts,
		gateway:   gateway,
		publisher: publisher,
		window:    NewContextWindow(opts.WindowSize),
		log:       log.WithComponent("engine"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepCtx,
	}
}

// Window exposes the context window, primarily for recording the agent's
// own outbound messages (presence, manual sends).
func (e *Engine) Window() *ContextWindow {
	return e.window
}

// Run consumes inbound messages until the context is canceled. In-flight
// processing finishes before Run returns.
func (e *Engine) Run(ctx context.Context, inbound <-chan models.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}

			e.process(ctx, msg)
		}
	}
}

func (e *Engine) process(ctx context.Context, msg models.Message) {
	// Never respond to our own messages; they were already recorded into
	// the context window at publish time.
	if msg.DeviceID == e.opts.DeviceID {
		return
	}

	// Record before any inference dispatch so context order matches
	// receipt order even for messages that get no reply.
	e.window.Append(msg)

	if !e.shouldRespond(msg) {
		return
	}

	e.log.Info().
		Str("from", msg.DeviceID).
		Str("message_id", msg.ID).
		Msg("Generating response")

	prompt := e.buildPrompt(msg)

	content, err := e.gateway.Generate(ctx, prompt, e.opts.Params)
	if err != nil {
		e.log.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Msg("Inference failed; skipping reply")

		return
	}

	if e.opts.ResponseDelay > 0 {
		if err := e.sleep(ctx, e.opts.ResponseDelay); err != nil {
			return
		}
	}

	reply := models.NewMessage(e.opts.DeviceID, content, models.MessageTypeResponse)
	e.window.Append(reply)

	if err := e.publisher.Publish(reply); err != nil {
		e.log.Warn().Err(err).Str("message_id", reply.ID).Msg("Failed to publish reply")
		return
	}

	e.log.Info().
		Str("in_reply_to", msg.DeviceID).
		Str("message_id", reply.ID).
		Msg("Published response")
}

// shouldRespond evaluates the response criteria: the message type must be
// allowed, then either a content-filter match (with default_respond set)
// answers unconditionally or a single uniform draw against the configured
// probability decides.
func (e *Engine) shouldRespond(msg models.Message) bool {
	c := e.opts.Criteria

	if !typeAllowed(c.MessageTypes, msg.Type) {
		return false
	}

	if c.DefaultRespond && filterMatches(c.ContentFilters, msg.Content) {
		return true
	}

	return e.rng.Float64() < c.Probability
}

func typeAllowed(allowed []models.MessageType, t models.MessageType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}

	return false
}

func filterMatches(filters []string, content string) bool {
	lowered := strings.ToLower(content)

	for _, f := range filters {
		if f == "" {
			continue
		}

		if strings.Contains(lowered, strings.ToLower(f)) {
			return true
		}
	}

	return false
}

// buildPrompt substitutes the device id, message content and a serialized
// recent-context excerpt into the configured template. The excerpt
// excludes the message being answered, which is already the final window
// entry.
func (e *Engine) buildPrompt(msg models.Message) string {
	recent := e.window.Recent(promptContextDepth + 1)
	if len(recent) > 0 {
		recent = recent[:len(recent)-1]
	}

	parts := make([]string, 0, len(recent))
	for _, m := range recent {
		parts = append(parts, m.DeviceID+": "+m.Content)
	}

	replacer := strings.NewReplacer(
		"{device_id}", msg.DeviceID,
		"{content}", msg.Content,
		"{context}", strings.Join(parts, " | "),
		"{own_device_id}", e.opts.DeviceID,
	)

	return replacer.Replace(e.opts.PromptTemplate)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
