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

// Package config loads and validates the agent configuration. The
// configuration is read once at startup into a typed structure and passed
// into each component's constructor; there is no global lookup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

var (
	// ErrInvalidProbability is returned when response probability is outside [0, 1].
	ErrInvalidProbability = errors.New("response_criteria.probability must be in [0, 1]")
	// ErrInvalidThreshold is returned when the renewal threshold is outside (0, 1).
	ErrInvalidThreshold = errors.New("renewal_threshold must be in (0, 1)")
	// ErrBrokerRequired is returned when no broker host is configured.
	ErrBrokerRequired = errors.New("mqtt.broker is required")
	// ErrTopicRequired is returned when no topic is configured.
	ErrTopicRequired = errors.New("mqtt.topic is required")
	// ErrCertServiceRequired is returned when no certificate service URL is configured.
	ErrCertServiceRequired = errors.New("cert_service_url is required")
	// ErrInvalidContextWindow is returned when the context window size is not positive.
	ErrInvalidContextWindow = errors.New("context_window_size must be positive")
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker    string          `json:"broker"`
	Port      int             `json:"port"`
	Topic     string          `json:"topic"`
	KeepAlive models.Duration `json:"keepalive"`
	UseTLS    *bool           `json:"use_tls"`
}

// TLSEnabled reports whether the broker connection uses TLS. Defaults to
// true when unset.
func (m *MQTTConfig) TLSEnabled() bool {
	return m.UseTLS == nil || *m.UseTLS
}

// ResponseCriteria are the configured rules deciding whether an inbound
// message receives a generated reply. Consulted as an immutable snapshot
// per message.
type ResponseCriteria struct {
	DefaultRespond bool                 `json:"default_respond"`
	Probability    float64              `json:"probability"`
	MessageTypes   []models.MessageType `json:"message_types"`
	ContentFilters []string             `json:"content_filters"`
}

// InferenceConfig describes the external inference process and its
// sampling parameters.
type InferenceConfig struct {
	RepoPath     string          `json:"repo_path"`
	ModelPath    string          `json:"model_path"`
	NPredict     int             `json:"n_predict"`
	Threads      int             `json:"threads"`
	Conversation bool            `json:"conversation"`
	Timeout      models.Duration `json:"timeout"`
}

// Config is the agent configuration, validated once at load time.
type Config struct {
	MQTT                 MQTTConfig       `json:"mqtt"`
	CertServiceURL       string           `json:"cert_service_url"`
	CertDir              string           `json:"cert_dir"`
	DeviceID             string           `json:"device_id"`
	DeviceType           string           `json:"device_type"`
	Capabilities         []string         `json:"capabilities"`
	Location             string           `json:"location"`
	Description          string           `json:"description"`
	RenewalThreshold     float64          `json:"renewal_threshold"`
	RenewalCheckInterval models.Duration  `json:"renewal_check_interval"`
	ResponseCriteria     ResponseCriteria `json:"response_criteria"`
	ContextWindowSize    int              `json:"context_window_size"`
	PromptTemplate       string           `json:"prompt_template"`
	ResponseDelay        models.Duration  `json:"response_delay"`
	Inference            InferenceConfig  `json:"inference"`
	Logging              *logger.Config   `json:"logging"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() *Config {
	useTLS := true

	return &Config{
		MQTT: MQTTConfig{
			Broker:    "makerspace-eventgrid.westus2-1.ts.eventgrid.azure.net",
			Port:      8883,
			Topic:     "devices/bitnet/messages",
			KeepAlive: models.Duration(60 * time.Second),
			UseTLS:    &useTLS,
		},
		CertServiceURL:       "https://makerspace-cert-service.example.com",
		CertDir:              "./certs",
		DeviceType:           "raspberry_pi",
		Capabilities:         []string{"mqtt", "bitnet", "ai_inference"},
		Location:             "makerspace",
		Description:          "BitNet-enabled IoT device for intelligent responses",
		RenewalThreshold:     0.25,
		RenewalCheckInterval: models.Duration(time.Hour),
		ResponseCriteria: ResponseCriteria{
			DefaultRespond: true,
			Probability:    0.8,
			MessageTypes:   []models.MessageType{models.MessageTypeGeneral, models.MessageTypeQuestion},
			ContentFilters: []string{"help", "what", "how", "explain", "?"},
		},
		ContextWindowSize: 100,
		PromptTemplate: "You are a helpful AI assistant in a makerspace IoT network. " +
			"Device {device_id} said: '{content}'. Recent context: {context}. " +
			"Provide a helpful, concise response about making, building, or technology.",
		ResponseDelay: models.Duration(2 * time.Second),
		Inference: InferenceConfig{
			RepoPath: "../BitNet",
			NPredict: 128,
			Threads:  2,
			Timeout:  models.Duration(60 * time.Second),
		},
		Logging: logger.DefaultConfig(),
	}
}

// LoadFromFile reads a JSON configuration file over the defaults and
// validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate applies defaults for zero values and rejects invalid settings.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return ErrBrokerRequired
	}

	if c.MQTT.Topic == "" {
		return ErrTopicRequired
	}

	if c.CertServiceURL == "" {
		return ErrCertServiceRequired
	}

	if c.MQTT.Port == 0 {
		c.MQTT.Port = 8883
	}

	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = models.Duration(60 * time.Second)
	}

	if c.CertDir == "" {
		c.CertDir = "./certs"
	}

	if c.RenewalThreshold == 0 {
		c.RenewalThreshold = 0.25
	}

	if c.RenewalThreshold <= 0 || c.RenewalThreshold >= 1 {
		return ErrInvalidThreshold
	}

	if c.RenewalCheckInterval == 0 {
		c.RenewalCheckInterval = models.Duration(time.Hour)
	}

	if c.ResponseCriteria.Probability < 0 || c.ResponseCriteria.Probability > 1 {
		return ErrInvalidProbability
	}

	if c.ContextWindowSize == 0 {
		c.ContextWindowSize = 100
	}

	if c.ContextWindowSize < 0 {
		return ErrInvalidContextWindow
	}

	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = models.Duration(60 * time.Second)
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	return nil
}

// WriteDefault writes the default configuration as indented JSON to path.
func WriteDefault(path string) error {
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file '%s': %w", path, err)
	}

	return nil
}
