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

// Package certs manages the device certificate bundle: on-disk persistence
// and the registration/renewal exchange with the remote certificate service.
package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/makerspace/bitnet-agent/pkg/models"
)

var (
	// ErrBundleNotFound is returned when no bundle exists on disk for the device.
	ErrBundleNotFound = errors.New("certificate bundle not found")
	// ErrBadCertificate is returned when stored or issued PEM material cannot be parsed.
	ErrBadCertificate = errors.New("certificate material is not valid PEM")
)

const (
	certFileMode = 0o644
	keyFileMode  = 0o600
	dirMode      = 0o755

	caFileName = "ca.crt"
)

// Store is the passive on-disk holder of the certificate bundle. One
// directory holds {deviceId}.crt, {deviceId}.key (owner-only permission)
// and ca.crt. The Manager owns the bundle; the Store only persists it.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// CertPath returns the path of the client certificate for a device.
func (s *Store) CertPath(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".crt")
}

// KeyPath returns the path of the private key for a device.
func (s *Store) KeyPath(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".key")
}

// CAPath returns the path of the CA chain certificate.
func (s *Store) CAPath() string {
	return filepath.Join(s.dir, caFileName)
}

// Save persists the bundle. The private key is written with owner-only
// read/write permission; an existing key file is re-chmodded to enforce
// the invariant.
func (s *Store) Save(bundle *models.Bundle) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return fmt.Errorf("failed to create cert dir '%s': %w", s.dir, err)
	}

	certPath := s.CertPath(bundle.DeviceID)
	if err := os.WriteFile(certPath, bundle.CertPEM, certFileMode); err != nil {
		return fmt.Errorf("failed to write certificate '%s': %w", certPath, err)
	}

	keyPath := s.KeyPath(bundle.DeviceID)
	if err := os.WriteFile(keyPath, bundle.KeyPEM, keyFileMode); err != nil {
		return fmt.Errorf("failed to write private key '%s': %w", keyPath, err)
	}

	if err := os.Chmod(keyPath, keyFileMode); err != nil {
		return fmt.Errorf("failed to set key permissions '%s': %w", keyPath, err)
	}

	if len(bundle.CAChainPEM) > 0 {
		if err := os.WriteFile(s.CAPath(), bundle.CAChainPEM, certFileMode); err != nil {
			return fmt.Errorf("failed to write CA chain '%s': %w", s.CAPath(), err)
		}
	}

	return nil
}

// Load reads the stored bundle for a device. Issuance and expiry are taken
// from the leaf certificate itself. Returns ErrBundleNotFound when the
// certificate or key file is missing.
func (s *Store) Load(deviceID string) (*models.Bundle, error) {
	certPEM, err := os.ReadFile(s.CertPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}

		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(s.KeyPath(deviceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}

		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	// CA chain is optional on disk; TLS setup falls back to system roots.
	caPEM, err := os.ReadFile(s.CAPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read CA chain: %w", err)
	}

	leaf, err := ParseLeafCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	return &models.Bundle{
		DeviceID:   deviceID,
		CertPEM:    certPEM,
		KeyPEM:     keyPEM,
		CAChainPEM: caPEM,
		IssuedAt:   leaf.NotBefore,
		ExpiresAt:  leaf.NotAfter,
	}, nil
}

// ParseLeafCertificate decodes the first PEM block of a certificate chain
// and parses it as an X.509 certificate.
func ParseLeafCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrBadCertificate
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCertificate, err)
	}

	return cert, nil
}
