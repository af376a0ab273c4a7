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
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/makerspace/bitnet-agent/pkg/logger"
	"github.com/makerspace/bitnet-agent/pkg/models"
)

var (
	// ErrRegistrationRejected indicates the certificate service rejected the
	// registration. Not retryable without operator intervention.
	ErrRegistrationRejected = errors.New("device registration rejected")
	// ErrRegistrationUnreachable indicates the certificate service could not
	// be reached. Retryable.
	ErrRegistrationUnreachable = errors.New("certificate service unreachable")
	// ErrNoValidCredential indicates no usable bundle exists and none could
	// be obtained. Fatal for session establishment.
	ErrNoValidCredential = errors.New("no valid credential available")
	// ErrBundleMismatch indicates an issued certificate does not match the
	// device identity.
	ErrBundleMismatch = errors.New("issued certificate does not match device identity")
	// ErrChainVerification indicates the issued certificate does not verify
	// against the expected CA chain.
	ErrChainVerification = errors.New("issued certificate failed CA chain verification")
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	registerBaseDelay   = 5 * time.Second
	registerMaxDelay    = 60 * time.Second
	maxRegisterAttempts = 5

	maxResponseBytes = 1 << 20
)

// ManagerConfig carries the registration metadata declared to the
// certificate service and the renewal policy.
type ManagerConfig struct {
	ServiceURL       string
	DeviceType       string
	Capabilities     []string
	Location         string
	Description      string
	RenewalThreshold float64
	HTTPTimeout      time.Duration
}

// Manager owns the certificate bundle lifecycle: it registers the device
// with the remote certificate service, renews the bundle before expiry and
// exposes the current bundle as an atomically replaceable snapshot. The
// session reads the snapshot only at connection-attempt time, so a renewal
// never tears down a live session.
type Manager struct {
	cfg      ManagerConfig
	identity models.DeviceIdentity
	store    *Store
	client   *http.Client
	log      logger.Logger

	current atomic.Pointer[models.Bundle]

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a certificate manager for the given device identity.
func NewManager(cfg ManagerConfig, ident models.DeviceIdentity, store *Store, log logger.Logger) *Manager {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = defaultHTTPTimeout
	}

	return &Manager{
		cfg:      cfg,
		identity: ident,
		store:    store,
		client:   &http.Client{Timeout: timeout},
		log:      log.WithComponent("certs"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Current returns the in-memory bundle snapshot, or nil before the first
// successful EnsureValid.
func (m *Manager) Current() *models.Bundle {
	return m.current.Load()
}

// Register performs one registration exchange with the certificate
// service, validates the issued bundle, persists it and swaps it into the
// current snapshot.
func (m *Manager) Register(ctx context.Context) (*models.Bundle, error) {
	bundle, err := m.exchange(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.validateIssued(bundle); err != nil {
		return nil, err
	}

	if err := m.store.Save(bundle); err != nil {
		return nil, err
	}

	m.current.Store(bundle)
	m.log.Info().
		Str("device_id", bundle.DeviceID).
		Time("expires_at", bundle.ExpiresAt).
		Msg("Certificate bundle issued and stored")

	return bundle, nil
}

// EnsureValid returns a usable bundle, registering or renewing as needed.
// An expired bundle is never returned: it always triggers a renewal
// attempt, and a failed renewal without a valid bundle is
// ErrNoValidCredential. A renewal network failure while the current bundle
// is still valid is a soft failure: logged, current bundle returned.
func (m *Manager) EnsureValid(ctx context.Context) (*models.Bundle, error) {
	now := m.now()
	cur := m.current.Load()

	if cur == nil {
		cur = m.loadStored()
	}

	if cur == nil {
		return m.registerWithBackoff(ctx, maxRegisterAttempts)
	}

	if !cur.Valid(now) {
		m.log.Warn().
			Time("expired_at", cur.ExpiresAt).
			Msg("Stored certificate bundle is expired; re-registering")

		bundle, err := m.registerWithBackoff(ctx, maxRegisterAttempts)
		if err != nil {
			return nil, err
		}

		return bundle, nil
	}

	if frac := cur.RemainingFraction(now); frac < m.cfg.RenewalThreshold {
		m.log.Info().
			Float64("remaining_fraction", frac).
			Float64("threshold", m.cfg.RenewalThreshold).
			Msg("Certificate bundle below renewal threshold; renewing")

		bundle, err := m.Register(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Certificate renewal failed; keeping current bundle")
			return cur, nil
		}

		return bundle, nil
	}

	return cur, nil
}

// RunRenewalLoop runs the recurring renewal check until the context is
// canceled. It only touches the stored bundle and the in-memory snapshot;
// a swapped bundle takes effect on the session's next connection attempt.
func (m *Manager) RunRenewalLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.EnsureValid(ctx); err != nil {
				if errors.Is(err, ErrNoValidCredential) {
					return err
				}

				m.log.Error().Err(err).Msg("Certificate renewal check failed")
			}
		}
	}
}

func (m *Manager) loadStored() *models.Bundle {
	bundle, err := m.store.Load(m.identity.ID)
	if err != nil {
		if !errors.Is(err, ErrBundleNotFound) {
			m.log.Warn().Err(err).Msg("Failed to load stored certificate bundle")
		}

		return nil
	}

	// Broker auth names are only delivered at registration time; derive
	// the documented defaults when only the files survived a restart.
	if bundle.ClientName == "" {
		bundle.ClientName = "device-" + m.identity.ID
	}

	if bundle.AuthName == "" {
		bundle.AuthName = m.identity.ID + "-authnID"
	}

	m.current.Store(bundle)

	return bundle
}

// registerWithBackoff retries the registration exchange with exponential
// backoff. maxAttempts <= 0 means unbounded. A rejected registration is
// surfaced immediately; it is operator-actionable and not retried.
func (m *Manager) registerWithBackoff(ctx context.Context, maxAttempts int) (*models.Bundle, error) {
	delay := registerBaseDelay

	var lastErr error

	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		bundle, err := m.Register(ctx)
		if err == nil {
			return bundle, nil
		}

		if errors.Is(err, ErrRegistrationRejected) {
			return nil, err
		}

		lastErr = err
		m.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Registration attempt failed")

		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}

		delay = min(delay*2, registerMaxDelay)
	}

	return nil, fmt.Errorf("%w: %w", ErrNoValidCredential, lastErr)
}

type registerRequest struct {
	DeviceID     string   `json:"deviceId"`
	DeviceType   string   `json:"deviceType"`
	Capabilities []string `json:"capabilities"`
	Location     string   `json:"location"`
	Description  string   `json:"description"`
}

type registerResponse struct {
	Registration struct {
		ClientName         string `json:"clientName"`
		AuthenticationName string `json:"authenticationName"`
	} `json:"registration"`
	Certificate struct {
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"privateKey"`
	} `json:"certificate"`
}

// exchange performs the registration HTTP exchange and assembles the
// resulting bundle. The same exchange shape serves renewal.
func (m *Manager) exchange(ctx context.Context) (*models.Bundle, error) {
	payload := registerRequest{
		DeviceID:     m.identity.ID,
		DeviceType:   m.cfg.DeviceType,
		Capabilities: m.cfg.Capabilities,
		Location:     m.cfg.Location,
		Description:  m.cfg.Description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	endpoint := strings.TrimRight(m.cfg.ServiceURL, "/") + "/register-device"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build registration request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRegistrationUnreachable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRegistrationRejected, resp.StatusCode, truncate(respBody))
	default:
		return nil, fmt.Errorf("%w: status %d", ErrRegistrationUnreachable, resp.StatusCode)
	}

	var parsed registerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %w", ErrRegistrationRejected, err)
	}

	if parsed.Certificate.Certificate == "" || parsed.Certificate.PrivateKey == "" {
		return nil, fmt.Errorf("%w: no certificate data in response", ErrRegistrationRejected)
	}

	leaf, err := ParseLeafCertificate([]byte(parsed.Certificate.Certificate))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
	}

	bundle := &models.Bundle{
		DeviceID:   m.identity.ID,
		CertPEM:    []byte(parsed.Certificate.Certificate),
		KeyPEM:     []byte(parsed.Certificate.PrivateKey),
		ClientName: parsed.Registration.ClientName,
		AuthName:   parsed.Registration.AuthenticationName,
		IssuedAt:   leaf.NotBefore,
		ExpiresAt:  leaf.NotAfter,
	}

	bundle.CAChainPEM = m.fetchCAChain(ctx)

	return bundle, nil
}

// fetchCAChain fetches the issuing CA certificate. Best effort: without it
// the session falls back to system roots for broker verification.
func (m *Manager) fetchCAChain(ctx context.Context) []byte {
	endpoint := strings.TrimRight(m.cfg.ServiceURL, "/") + "/ca-certificate"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn().Err(err).Msg("Could not fetch CA certificate")
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		m.log.Warn().Int("status", resp.StatusCode).Msg("Could not fetch CA certificate")
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		m.log.Warn().Err(err).Msg("Could not read CA certificate")
		return nil
	}

	return data
}

// validateIssued checks a freshly issued bundle before it replaces the
// stored one: non-expired, matches the device identity, and verifies
// against the delivered CA chain when one is available.
func (m *Manager) validateIssued(bundle *models.Bundle) error {
	now := m.now()
	if !bundle.Valid(now) {
		return fmt.Errorf("%w: issued bundle not valid at %s", ErrNoValidCredential, now.Format(time.RFC3339))
	}

	leaf, err := ParseLeafCertificate(bundle.CertPEM)
	if err != nil {
		return err
	}

	if !certMatchesDevice(leaf, m.identity.ID) {
		return fmt.Errorf("%w: subject %q", ErrBundleMismatch, leaf.Subject.CommonName)
	}

	if len(bundle.CAChainPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bundle.CAChainPEM) {
			return fmt.Errorf("%w: unparseable CA chain", ErrChainVerification)
		}

		opts := x509.VerifyOptions{
			Roots:       pool,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("%w: %w", ErrChainVerification, err)
		}
	}

	return nil
}

func certMatchesDevice(cert *x509.Certificate, deviceID string) bool {
	if strings.Contains(cert.Subject.CommonName, deviceID) {
		return true
	}

	for _, name := range cert.DNSNames {
		if strings.Contains(name, deviceID) {
			return true
		}
	}

	return false
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}

	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
