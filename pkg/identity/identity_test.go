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

package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe failed")

func stubHost(t *testing.T, hostname string, err error) {
	t.Helper()

	orig := hostInfo
	hostInfo = func() (*host.InfoStat, error) {
		if err != nil {
			return nil, err
		}

		return &host.InfoStat{Hostname: hostname}, nil
	}

	t.Cleanup(func() { hostInfo = orig })
}

func stubInterfaces(t *testing.T, ifaces gopsnet.InterfaceStatList, err error) {
	t.Helper()

	orig := netInterfaces
	netInterfaces = func() (gopsnet.InterfaceStatList, error) {
		return ifaces, err
	}

	t.Cleanup(func() { netInterfaces = orig })
}

func TestIdentityDeterministic(t *testing.T) {
	stubHost(t, "pi-lab", nil)
	stubInterfaces(t, gopsnet.InterfaceStatList{
		{Name: "lo", HardwareAddr: "00:00:00:00:00:00", Flags: []string{"up", "loopback"}},
		{Name: "eth0", HardwareAddr: "B8:27:EB:12:34:56", Flags: []string{"up", "broadcast"}},
	}, nil)

	first, err := NewProvider("").Identity()
	require.NoError(t, err)

	// A fresh provider simulates a process restart on the same host.
	second, err := NewProvider("").Identity()
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "pi-lab", first.Hostname)
	assert.Equal(t, "B8:27:EB:12:34:56", first.HardwareAddress)
	assert.True(t, strings.HasPrefix(first.ID, "bitnet-pi-lab-"), "id %q", first.ID)
	assert.Len(t, first.ID, len("bitnet-pi-lab-")+hashLength)
}

func TestIdentityCachedAcrossCalls(t *testing.T) {
	stubHost(t, "pi-lab", nil)
	stubInterfaces(t, gopsnet.InterfaceStatList{
		{Name: "eth0", HardwareAddr: "b8:27:eb:12:34:56", Flags: []string{"up"}},
	}, nil)

	p := NewProvider("")

	first, err := p.Identity()
	require.NoError(t, err)

	// After the first derivation, host lookups must not run again.
	stubHost(t, "", errProbe)

	second, err := p.Identity()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIdentityOverride(t *testing.T) {
	stubHost(t, "pi-lab", nil)
	stubInterfaces(t, gopsnet.InterfaceStatList{
		{Name: "eth0", HardwareAddr: "b8:27:eb:12:34:56", Flags: []string{"up"}},
	}, nil)

	ident, err := NewProvider("bitnet-custom-01").Identity()
	require.NoError(t, err)
	assert.Equal(t, "bitnet-custom-01", ident.ID)
}

func TestIdentityHostInfoUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T)
	}{
		{
			name: "host info fails",
			setup: func(t *testing.T) {
				t.Helper()
				stubHost(t, "", errProbe)
			},
		},
		{
			name: "empty hostname",
			setup: func(t *testing.T) {
				t.Helper()
				stubHost(t, "", nil)
			},
		},
		{
			name: "interface enumeration fails",
			setup: func(t *testing.T) {
				t.Helper()
				stubHost(t, "pi-lab", nil)
				stubInterfaces(t, nil, errProbe)
			},
		},
		{
			name: "no usable interface",
			setup: func(t *testing.T) {
				t.Helper()
				stubHost(t, "pi-lab", nil)
				stubInterfaces(t, gopsnet.InterfaceStatList{
					{Name: "lo", HardwareAddr: "00:00:00:00:00:00", Flags: []string{"loopback"}},
					{Name: "tun0", HardwareAddr: "", Flags: []string{"up"}},
				}, nil)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stubInterfaces(t, nil, nil)
			tc.setup(t)

			_, err := NewProvider("").Identity()
			require.ErrorIs(t, err, ErrHostInfoUnavailable)
		})
	}
}

func TestNormalizeHardwareAddress(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "b827eb123456", NormalizeHardwareAddress("B8:27:EB:12:34:56"))
	assert.Equal(t, "b827eb123456", NormalizeHardwareAddress("b8-27-eb-12-34-56"))
	assert.Equal(t, DeriveID("pi", "AA:BB"), DeriveID("pi", "aabb"))
}
