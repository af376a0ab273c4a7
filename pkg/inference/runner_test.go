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
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerspace/bitnet-agent/pkg/logger"
)

// newBitNetDir lays out a minimal BitNet repository in a temp dir.
func newBitNetDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, inferenceScript), []byte("# stub"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, buildDirName), 0o755))

	return dir
}

// stubInterpreter writes an executable shell script standing in for the
// python interpreter.
func stubInterpreter(t *testing.T, script string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}

	path := filepath.Join(t.TempDir(), "interp.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	return path
}

func TestValidateSetup(t *testing.T) {
	t.Parallel()

	dir := newBitNetDir(t)
	r := NewRunner(dir, logger.NewTestLogger())
	require.NoError(t, r.ValidateSetup())

	missing := NewRunner(filepath.Join(dir, "nope"), logger.NewTestLogger())
	require.ErrorIs(t, missing.ValidateSetup(), ErrUnavailable)

	noBuild := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(noBuild, inferenceScript), []byte("# stub"), 0o644))
	require.ErrorIs(t, NewRunner(noBuild, logger.NewTestLogger()).ValidateSetup(), ErrUnavailable)
}

func TestGenerateReturnsTrimmedStdout(t *testing.T) {
	t.Parallel()

	r := NewRunner(newBitNetDir(t), logger.NewTestLogger())
	r.interpreter = stubInterpreter(t, `echo "  a generated reply  "`)

	out, err := r.Generate(context.Background(), "what is 3D printing?", Params{NPredict: 16, Threads: 1})
	require.NoError(t, err)
	assert.Equal(t, "a generated reply", out)
}

func TestGenerateFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	r := NewRunner(newBitNetDir(t), logger.NewTestLogger())
	r.interpreter = stubInterpreter(t, `echo "boom" >&2; exit 3`)

	_, err := r.Generate(context.Background(), "prompt", Params{})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	r := NewRunner(newBitNetDir(t), logger.NewTestLogger())
	r.interpreter = stubInterpreter(t, `sleep 5`)

	start := time.Now()

	_, err := r.Generate(context.Background(), "prompt", Params{Timeout: 100 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}
