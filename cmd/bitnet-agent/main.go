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

// Command bitnet-agent runs the BitNet MQTT device agent and its
// supporting maintenance commands.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/makerspace/bitnet-agent/pkg/agent"
	"github.com/makerspace/bitnet-agent/pkg/config"
	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

const defaultConfigPath = "/etc/bitnet/agent.json"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "bitnet-agent",
		Short:         "BitNet LLM device agent for MQTT networks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to agent config file")

	root.AddCommand(
		newRegisterCmd(&configPath),
		newValidateCmd(&configPath),
		newTestCmd(&configPath),
		newSendCmd(&configPath),
		newServiceCmd(&configPath),
		newConfigCmd(),
	)

	return root
}

// setup loads the configuration and builds the agent shared by every
// subcommand that talks to the network or the inference runtime.
func setup(configPath string) (*agent.Agent, logger.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := agent.New(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize agent: %w", err)
	}

	return a, log, nil
}

// loadConfig falls back to built-in defaults when the default config path
// does not exist, so the agent can run on a fresh host. An explicitly
// provided path that is missing is an error.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err == nil {
		return cfg, nil
	}

	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		cfg = config.DefaultConfig()
		if verr := cfg.Validate(); verr != nil {
			return nil, verr
		}

		return cfg, nil
	}

	return nil, fmt.Errorf("failed to load config: %w", err)
}

func newRegisterCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register the device with the certificate service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, log, err := setup(*configPath)
			if err != nil {
				return err
			}

			id := a.Identity()
			log.Info().Str("device_id", id.ID).Msg("Registering device")

			if err := a.Register(cmd.Context()); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			log.Info().Str("device_id", id.ID).Msg("Device registered, certificate stored")

			return nil
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check inference setup, credentials, and broker reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, log, err := setup(*configPath)
			if err != nil {
				return err
			}

			if err := a.Validate(cmd.Context()); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			log.Info().Str("device_id", a.Identity().ID).Msg("Setup validated")

			return nil
		},
	}
}

func newTestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test <prompt>",
		Short: "Run a single local inference and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(*configPath)
			if err != nil {
				return err
			}

			response, err := a.TestInference(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("inference failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), response)

			return nil
		},
	}
}

func newSendCmd(configPath *string) *cobra.Command {
	var msgType string

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Connect to the broker, publish one message, and disconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := setup(*configPath)
			if err != nil {
				return err
			}

			if err := a.SendMessage(cmd.Context(), args[0], models.MessageType(msgType)); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}

			log.Info().Str("message_type", msgType).Msg("Message published")

			return nil
		},
	}
	cmd.Flags().StringVar(&msgType, "type", string(models.MessageTypeManual), "Message type for the published message")

	return cmd
}

func newServiceCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "service",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, log, err := setup(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("device_id", a.Identity().ID).Msg("Starting agent service")

			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("agent exited with error: %w", err)
			}

			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write a default configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("refusing to overwrite existing config at %s", args[0])
			}

			if err := config.WriteDefault(args[0]); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])

			return nil
		},
	})

	return cmd
}
