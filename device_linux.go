//go:build !rp2350

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
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
)

// LinuxDevice (for development and testing)
type LinuxDevice struct {
	// SecretsPath is the credentials file wiped by a factory reset
	// (empty: nothing to wipe).
	SecretsPath string

	mu      sync.Mutex
	minFree uint64
}

// LED on or off (not applicable)
func (dev *LinuxDevice) LED(on bool) {}

// Restart exits the process; the supervisor relaunches it.
func (dev *LinuxDevice) Restart() {
	os.Exit(0)
}

// FreeMemory returns the unused heap and the minimum seen so far.
func (dev *LinuxDevice) FreeMemory() (free, min uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	free = m.HeapSys - m.HeapInuse
	dev.mu.Lock()
	if dev.minFree == 0 || free < dev.minFree {
		dev.minFree = free
	}
	min = dev.minFree
	dev.mu.Unlock()
	return
}

// ClearCredentials removes the credentials file.
func (dev *LinuxDevice) ClearCredentials() error {
	if dev.SecretsPath == "" {
		return nil
	}
	err := os.Remove(dev.SecretsPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Initialize device
func InitDevice() Device {
	return new(LinuxDevice)
}

//----------------------------------------------------------------------

// LinuxNetwork is the host network attachment: plain kernel sockets,
// always "connected".
type LinuxNetwork struct{}

// SetupNetwork in host mode has nothing to bring up.
func SetupNetwork(dev Device, cfg NetworkConfig) (Network, int) {
	return new(LinuxNetwork), StatOK
}

// Connected is always true on a host.
func (nw *LinuxNetwork) Connected() bool { return true }

// Addr returns the first non-loopback IPv4 address of the host.
func (nw *LinuxNetwork) Addr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

// SSID of a wired host link.
func (nw *LinuxNetwork) SSID() string { return "wired" }

// MAC of the first usable interface.
func (nw *LinuxNetwork) MAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback == 0 && len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return ""
}

// RSSI is meaningless on a wired link.
func (nw *LinuxNetwork) RSSI() int { return 0 }

// Listen returns a TCP listener on the given port.
func (nw *LinuxNetwork) Listen(port uint16) (net.Listener, error) {
	ctx := context.Background()
	cfg := new(net.ListenConfig)
	return cfg.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
}
