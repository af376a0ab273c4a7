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

package models

import "time"

// Bundle is the certificate material issued to a device identity: the
// client certificate, its private key and the issuing CA chain, all in
// PEM form. A renewal supersedes the bundle; it is never mutated in place.
type Bundle struct {
	DeviceID   string
	CertPEM    []byte
	KeyPEM     []byte
	CAChainPEM []byte
	ClientName string
	AuthName   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the bundle can authenticate a new session at the
// given instant. An expired bundle must never open a new session.
func (b *Bundle) Valid(now time.Time) bool {
	if b == nil || len(b.CertPEM) == 0 || len(b.KeyPEM) == 0 {
		return false
	}

	return now.After(b.IssuedAt) && now.Before(b.ExpiresAt)
}

// RemainingFraction returns the fraction of the bundle's validity window
// still ahead of the given instant, clamped to [0, 1].
func (b *Bundle) RemainingFraction(now time.Time) float64 {
	if b == nil {
		return 0
	}

	total := b.ExpiresAt.Sub(b.IssuedAt)
	if total <= 0 {
		return 0
	}

	remaining := b.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}

	if remaining > total {
		return 1
	}

	return float64(remaining) / float64(total)
}
