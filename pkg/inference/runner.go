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

package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/makerspace/bitnet-agent/pkg/logger"
)

const (
	inferenceScript = "run_inference.py"
	buildDirName    = "build"

	defaultTimeout = 60 * time.Second
)

// Runner executes the BitNet inference script in an external process.
type Runner struct {
	repoPath string
	log      logger.Logger

	// interpreter is the executable used to run the inference script,
	// overridable in tests.
	interpreter string
}

// NewRunner creates a runner for the BitNet repository at repoPath.
func NewRunner(repoPath string, log logger.Logger) *Runner {
	return &Runner{
		repoPath:    repoPath,
		log:         log.WithComponent("inference"),
		interpreter: "python3",
	}
}

// ValidateSetup verifies that the BitNet repository, its inference script
// and its build directory exist.
func (r *Runner) ValidateSetup() error {
	if _, err := os.Stat(r.repoPath); err != nil {
		return fmt.Errorf("%w: repository not found at %s", ErrUnavailable, r.repoPath)
	}

	script := filepath.Join(r.repoPath, inferenceScript)
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("%w: inference script not found at %s", ErrUnavailable, script)
	}

	buildDir := filepath.Join(r.repoPath, buildDirName)
	if _, err := os.Stat(buildDir); err != nil {
		return fmt.Errorf("%w: build directory not found at %s", ErrUnavailable, buildDir)
	}

	return nil
}

// Generate runs one inference call, blocking up to params.Timeout.
func (r *Runner) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	if err := r.ValidateSetup(); err != nil {
		return "", err
	}

	timeout := params.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		filepath.Join(r.repoPath, inferenceScript),
		"-p", prompt,
		"-n", strconv.Itoa(params.NPredict),
		"-t", strconv.Itoa(params.Threads),
	}

	if params.ModelPath != "" {
		args = append(args, "-m", params.ModelPath)
	}

	if params.Conversation {
		args = append(args, "-cnv")
	}

	cmd := exec.CommandContext(runCtx, r.interpreter, args...)
	cmd.Dir = r.repoPath

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug().
		Str("interpreter", r.interpreter).
		Int("prompt_len", len(prompt)).
		Msg("Executing inference command")

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", ErrTimeout
	}

	if err != nil {
		r.log.Error().
			Err(err).
			Str("stderr", truncate(stderr.String())).
			Msg("Inference command failed")

		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	response := strings.TrimSpace(stdout.String())
	r.log.Info().Int("response_len", len(response)).Msg("Inference completed")

	return response, nil
}

func truncate(s string) string {
	const limit = 512
	if len(s) > limit {
		return s[:limit] + "..."
	}

	return s
}
