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

package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerspace/bitnet-agent/pkg/config"
	"github.com/makerspace/bitnet-agent/pkg/inference"
	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DeviceID = "bitnet-test-00000001"
	cfg.CertDir = t.TempDir()
	cfg.Inference.RepoPath = filepath.Join(t.TempDir(), "missing-bitnet")
	cfg.ResponseDelay = 0
	require.NoError(t, cfg.Validate())

	return cfg
}

func TestNewUsesConfiguredDeviceID(t *testing.T) {
	a, err := New(testConfig(t), logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "bitnet-test-00000001", a.Identity().ID)
}

func TestValidateFailsWithoutInferenceSetup(t *testing.T) {
	a, err := New(testConfig(t), logger.NewTestLogger())
	require.NoError(t, err)

	err = a.Validate(context.Background())
	require.ErrorIs(t, err, inference.ErrUnavailable)
}

func TestPresenceRecordedInContextWindow(t *testing.T) {
	a, err := New(testConfig(t), logger.NewTestLogger())
	require.NoError(t, err)

	a.announcePresence("Device bitnet-test-00000001 joined the network")

	recent := a.engine.Window().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, models.MessageTypePresence, recent[0].Type)
	assert.Equal(t, a.Identity().ID, recent[0].DeviceID)
	assert.WithinDuration(t, time.Now(), recent[0].Timestamp, time.Minute)
}
