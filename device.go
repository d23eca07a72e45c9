//----------------------------------------------------------------------
// This file is part of easyconn.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// easyconn is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// easyconn is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package easyconn

import (
	"log/slog"
	"net"
)

// Device is a hardware abstraction
type Device interface {
	// LED on or off (if applicable)
	LED(on bool)

	// Restart the device. A CPU reset on hardware; in host mode the
	// process exits and the supervisor relaunches it.
	Restart()

	// FreeMemory returns the current free heap and the minimum
	// free heap observed since boot (bytes).
	FreeMemory() (free, min uint64)
}

// CredentialClearer is an optional device capability: wiping stored
// network credentials during a factory reset. Devices with link-time
// credentials don't implement it.
type CredentialClearer interface {
	ClearCredentials() error
}

// Netinfo describes the current network attachment. The framework
// only ever reads from it.
type Netinfo interface {
	Connected() bool
	Addr() string
	SSID() string
	MAC() string
	RSSI() int
}

// Network is a link brought up by SetupNetwork. It hands out TCP
// listeners for the services running on the device.
type Network interface {
	Netinfo
	Listen(port uint16) (net.Listener, error)
}

// NetworkScanner is an optional capability: listing nearby networks
// for the scan API. Wired or simulated links report nothing.
type NetworkScanner interface {
	ScanNetworks() []NetworkInfo
}

// NetworkInfo is one entry in a scan result.
type NetworkInfo struct {
	SSID    string `json:"ssid"`
	RSSI    int    `json:"rssi"`
	Secured bool   `json:"secured"`
	Channel int    `json:"channel"`
}

// NetworkConfig describes how SetupNetwork brings up the link.
// Ignored where not applicable (host mode needs none of it).
type NetworkConfig struct {
	// DHCP requested hostname.
	Hostname string
	// DHCP requested IP address. On failing to find DHCP server is used as static IP.
	RequestedIP string
	Logger      *slog.Logger
	// Number of UDP ports to open for the stack. (we'll actually open one more than this for DHCP)
	UDPPorts uint16
	// Number of TCP ports to open for the stack.
	TCPPorts uint16

	SSID   string
	Passwd string
}
