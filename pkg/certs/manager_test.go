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

package certs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

const testDeviceID = "bitnet-pi-abcd1234"

// stubCertService is an httptest-backed certificate service issuing
// bundles signed by a throwaway CA.
type stubCertService struct {
	ca       *testCA
	server   *httptest.Server
	requests atomic.Int64

	// validity window in nanoseconds for issued certs, relative to issue time
	lifetime atomic.Int64
	// failWith forces a status code on /register-device when non-zero
	failWith atomic.Int64
}

func newStubCertService(t *testing.T, lifetime time.Duration) *stubCertService {
	t.Helper()

	s := &stubCertService{ca: newTestCA(t)}
	s.lifetime.Store(int64(lifetime))

	mux := http.NewServeMux()
	mux.HandleFunc("/register-device", func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		if code := s.failWith.Load(); code != 0 {
			http.Error(w, "registration denied", int(code))
			return
		}

		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, testDeviceID, req.DeviceID)

		certPEM, keyPEM := s.ca.issue(t, req.DeviceID, time.Now().Add(-time.Minute), time.Now().Add(time.Duration(s.lifetime.Load())))

		var resp registerResponse
		resp.Registration.ClientName = "device-" + req.DeviceID
		resp.Registration.AuthenticationName = req.DeviceID + "-authnID"
		resp.Certificate.Certificate = string(certPEM)
		resp.Certificate.PrivateKey = string(keyPEM)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	mux.HandleFunc("/ca-certificate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(s.ca.pem)
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)

	return s
}

func newTestManager(t *testing.T, serviceURL string) *Manager {
	t.Helper()

	m := NewManager(ManagerConfig{
		ServiceURL:       serviceURL,
		DeviceType:       "raspberry_pi",
		Capabilities:     []string{"mqtt", "bitnet"},
		Location:         "makerspace",
		RenewalThreshold: 0.5,
		HTTPTimeout:      2 * time.Second,
	}, models.DeviceIdentity{ID: testDeviceID}, NewStore(t.TempDir()), logger.NewTestLogger())

	// No real sleeping in tests.
	m.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}

	return m
}

func TestRegisterIssuesAndStoresBundle(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	bundle, err := m.Register(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testDeviceID, bundle.DeviceID)
	assert.Equal(t, "device-"+testDeviceID, bundle.ClientName)
	assert.Equal(t, testDeviceID+"-authnID", bundle.AuthName)
	assert.Equal(t, svc.ca.pem, bundle.CAChainPEM)
	assert.True(t, bundle.Valid(time.Now()))
	assert.Same(t, bundle, m.Current())

	// The bundle survives on disk for the next process.
	stored, err := m.store.Load(testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, bundle.CertPEM, stored.CertPEM)
}

func TestRegisterRejectedNotRetried(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	svc.failWith.Store(http.StatusForbidden)

	m := newTestManager(t, svc.server.URL)

	_, err := m.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrRegistrationRejected)
	assert.Equal(t, int64(1), svc.requests.Load(), "rejected registration must not be retried")
}

func TestEnsureValidBoundedAttemptsWithoutBundle(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	svc.failWith.Store(http.StatusBadGateway)

	m := newTestManager(t, svc.server.URL)

	_, err := m.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNoValidCredential)
	assert.Equal(t, int64(maxRegisterAttempts), svc.requests.Load())
}

func TestEnsureValidRenewalThreshold(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	issued, err := m.Register(context.Background())
	require.NoError(t, err)

	issuedCount := svc.requests.Load()

	// 29 simulated minutes in: above the 0.5 threshold, no renewal call.
	m.now = func() time.Time { return issued.IssuedAt.Add(29 * time.Minute) }

	bundle, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Same(t, issued, bundle)
	assert.Equal(t, issuedCount, svc.requests.Load())

	// 31 simulated minutes in: below threshold, exactly one renewal call.
	m.now = func() time.Time { return issued.IssuedAt.Add(31 * time.Minute) }

	renewed, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, issued, renewed)
	assert.Equal(t, issuedCount+1, svc.requests.Load())
}

func TestEnsureValidSoftFailureKeepsCurrentBundle(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	issued, err := m.Register(context.Background())
	require.NoError(t, err)

	// Below threshold but the service is down: soft failure, current
	// bundle returned unchanged.
	svc.failWith.Store(http.StatusServiceUnavailable)
	m.now = func() time.Time { return issued.IssuedAt.Add(45 * time.Minute) }

	bundle, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Same(t, issued, bundle)
	assert.Same(t, issued, m.Current())
}

func TestEnsureValidExpiredBundleNeverUsable(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	issued, err := m.Register(context.Background())
	require.NoError(t, err)

	// Past expiry with the service down: hard failure, never the stale bundle.
	svc.failWith.Store(http.StatusServiceUnavailable)
	m.now = func() time.Time { return issued.ExpiresAt.Add(time.Minute) }

	_, err = m.EnsureValid(context.Background())
	require.ErrorIs(t, err, ErrNoValidCredential)

	// Service back up: expiry triggers a fresh registration exchange. The
	// simulated clock sits past the first hour, so issue longer certs.
	svc.failWith.Store(0)
	svc.lifetime.Store(int64(3 * time.Hour))

	bundle, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, issued, bundle)
}

func TestEnsureValidLoadsStoredBundleAfterRestart(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	_, err := m.Register(context.Background())
	require.NoError(t, err)

	// A second manager over the same store simulates a restart; the
	// stored bundle is used without a network exchange.
	restarted := NewManager(m.cfg, m.identity, m.store, logger.NewTestLogger())

	before := svc.requests.Load()

	bundle, err := restarted.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, svc.requests.Load())
	assert.Equal(t, "device-"+testDeviceID, bundle.ClientName)
	assert.Equal(t, testDeviceID+"-authnID", bundle.AuthName)
}

func TestValidateIssuedRejectsMismatchedDevice(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	certPEM, keyPEM := svc.ca.issue(t, "bitnet-other-device", time.Now().Add(-time.Minute), time.Now().Add(time.Hour))

	err := m.validateIssued(&models.Bundle{
		DeviceID:  testDeviceID,
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		IssuedAt:  time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrBundleMismatch)
}

func TestValidateIssuedRejectsWrongChain(t *testing.T) {
	svc := newStubCertService(t, time.Hour)
	m := newTestManager(t, svc.server.URL)

	otherCA := newTestCA(t)
	certPEM, keyPEM := svc.ca.issue(t, testDeviceID, time.Now().Add(-time.Minute), time.Now().Add(time.Hour))

	err := m.validateIssued(&models.Bundle{
		DeviceID:   testDeviceID,
		CertPEM:    certPEM,
		KeyPEM:     keyPEM,
		CAChainPEM: otherCA.pem,
		IssuedAt:   time.Now().Add(-time.Minute),
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrChainVerification)
}
