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

// Package identity derives the stable device identifier from host
// attributes. Derivation is pure: no network or disk I/O.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	gopsnet "github.com/shirou/gopsutil/v3/net"

	"github.com/makerspace/bitnet-agent/pkg/models"
)

// ErrHostInfoUnavailable is returned when the hostname or hardware
// address cannot be read. Fatal at startup.
var ErrHostInfoUnavailable = errors.New("host information unavailable")

const hashLength = 8

var (
	hostInfo      = host.Info
	netInterfaces = gopsnet.Interfaces
)

// Provider derives and caches the device identity for this host.
type Provider struct {
	once     sync.Once
	identity models.DeviceIdentity
	err      error

	// Override pins the device id instead of deriving it.
	Override string
}

// NewProvider creates an identity provider. If override is non-empty it
// is used verbatim as the device id.
func NewProvider(override string) *Provider {
	return &Provider{Override: override}
}

// Identity returns the device identity, derived once and cached.
// The id has the form bitnet-{hostname}-{hash8}, where hash8 is the first
// 8 hex characters of SHA-256 over hostname and normalized hardware
// address. Identical host state always yields the identical id.
func (p *Provider) Identity() (models.DeviceIdentity, error) {
	p.once.Do(func() {
		p.identity, p.err = p.derive()
	})

	return p.identity, p.err
}

func (p *Provider) derive() (models.DeviceIdentity, error) {
	if p.Override != "" {
		ident := models.DeviceIdentity{ID: p.Override}
		if info, err := hostInfo(); err == nil {
			ident.Hostname = info.Hostname
		}

		return ident, nil
	}

	info, err := hostInfo()
	if err != nil {
		return models.DeviceIdentity{}, fmt.Errorf("%w: %w", ErrHostInfoUnavailable, err)
	}

	if info.Hostname == "" {
		return models.DeviceIdentity{}, fmt.Errorf("%w: empty hostname", ErrHostInfoUnavailable)
	}

	hwAddr, err := primaryHardwareAddress()
	if err != nil {
		return models.DeviceIdentity{}, err
	}

	return models.DeviceIdentity{
		ID:              DeriveID(info.Hostname, hwAddr),
		Hostname:        info.Hostname,
		HardwareAddress: hwAddr,
	}, nil
}

// DeriveID computes the deterministic device id from a hostname and a
// hardware address.
func DeriveID(hostname, hwAddr string) string {
	sum := sha256.Sum256([]byte(hostname + ":" + NormalizeHardwareAddress(hwAddr)))
	return fmt.Sprintf("bitnet-%s-%s", hostname, hex.EncodeToString(sum[:])[:hashLength])
}

// NormalizeHardwareAddress lowercases a MAC address and strips separator
// characters so that "AA:BB-CC" and "aabbcc" derive the same id.
func NormalizeHardwareAddress(addr string) string {
	addr = strings.ToLower(addr)
	addr = strings.ReplaceAll(addr, ":", "")
	addr = strings.ReplaceAll(addr, "-", "")

	return addr
}

// primaryHardwareAddress returns the MAC of the first non-loopback
// interface that has one.
func primaryHardwareAddress() (string, error) {
	ifaces, err := netInterfaces()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHostInfoUnavailable, err)
	}

	for _, iface := range ifaces {
		if iface.HardwareAddr == "" {
			continue
		}

		if isLoopback(iface.Flags) {
			continue
		}

		return iface.HardwareAddr, nil
	}

	return "", fmt.Errorf("%w: no interface with a hardware address", ErrHostInfoUnavailable)
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, "loopback") {
			return true
		}
	}

	return false
}
