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

// DeviceIdentity identifies this device on the network. The ID is a
// deterministic function of hostname and hardware address, so identical
// host state always yields the identical ID across restarts.
type DeviceIdentity struct {
	ID              string `json:"id"`
	Hostname        string `json:"hostname"`
	HardwareAddress string `json:"hardware_address"`
}
