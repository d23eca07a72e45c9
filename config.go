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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Error messages
var (
	ErrNoConfig = errors.New("no stored configuration")
)

// Config holds the persistent device configuration. Durations are
// kept as plain integers (milliseconds / seconds) so the stored JSON
// stays readable and editable by hand.
type Config struct {
	DeviceName     string  `json:"deviceName"`
	Theme          string  `json:"theme"`
	EnableOTA      bool    `json:"enableOTA"`
	EnableConsole  bool    `json:"enableConsole"`
	ConsolePort    uint16  `json:"consolePort"`
	HTTPPort       uint16  `json:"httpPort"`
	NamespacePort  uint16  `json:"namespacePort"`
	UpdateInterval int     `json:"updateInterval"` // msec between status pushes
	MaxClients     int     `json:"maxClients"`
	IdleTimeout    int     `json:"idleTimeout"` // seconds before console eviction
	CustomParam1   string  `json:"customParam1"`
	CustomParam2   string  `json:"customParam2"`
	CustomParam3   int     `json:"customParam3"`
	CustomParam4   float64 `json:"customParam4"`
}

// DefaultConfig returns the configuration used when nothing is stored.
func DefaultConfig() Config {
	return Config{
		DeviceName:     "easyconn-device",
		Theme:          "dark",
		EnableOTA:      true,
		EnableConsole:  true,
		ConsolePort:    23,
		HTTPPort:       80,
		NamespacePort:  564,
		UpdateInterval: 5000,
		MaxClients:     3,
		IdleTimeout:    600,
	}
}

// UpdateEvery returns the status push interval.
func (c Config) UpdateEvery() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Millisecond
}

// IdleAfter returns the console idle timeout.
func (c Config) IdleAfter() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// sanitize fills zeroed fields with defaults so a hand-edited or
// partially stored file can't wedge the device.
func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.DeviceName == "" {
		c.DeviceName = def.DeviceName
	}
	if c.Theme == "" {
		c.Theme = def.Theme
	}
	if c.ConsolePort == 0 {
		c.ConsolePort = def.ConsolePort
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = def.HTTPPort
	}
	if c.NamespacePort == 0 {
		c.NamespacePort = def.NamespacePort
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = def.UpdateInterval
	}
	if c.MaxClients <= 0 {
		c.MaxClients = def.MaxClients
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
}

// Dump returns a readable multi-line rendition for the console
// "config" command.
func (c Config) Dump() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "Current Configuration:\r\n")
	fmt.Fprintf(b, "  Device Name: %s\r\n", c.DeviceName)
	fmt.Fprintf(b, "  Theme: %s\r\n", c.Theme)
	fmt.Fprintf(b, "  OTA Enabled: %s\r\n", yesNo(c.EnableOTA))
	fmt.Fprintf(b, "  Console Enabled: %s\r\n", yesNo(c.EnableConsole))
	fmt.Fprintf(b, "  Console Port: %d\r\n", c.ConsolePort)
	fmt.Fprintf(b, "  Update Interval: %dms\r\n", c.UpdateInterval)
	fmt.Fprintf(b, "  Max Clients: %d\r\n", c.MaxClients)
	fmt.Fprintf(b, "  Idle Timeout: %ds\r\n", c.IdleTimeout)
	fmt.Fprintf(b, "  Custom1: %s\r\n", c.CustomParam1)
	fmt.Fprintf(b, "  Custom2: %s\r\n", c.CustomParam2)
	fmt.Fprintf(b, "  Custom3: %d\r\n", c.CustomParam3)
	fmt.Fprintf(b, "  Custom4: %g\r\n", c.CustomParam4)
	return b.String()
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

//----------------------------------------------------------------------

// ConfigStore persists the device configuration. The framework reads
// once at startup and writes on every change; Clear is only used by
// the factory reset.
type ConfigStore interface {
	Load() (Config, error)
	Save(Config) error
	Clear() error
}

// FileStore keeps the configuration as a JSON file (host mode or
// targets with a mounted filesystem).
type FileStore struct {
	Path string
}

// Load the stored configuration. Returns ErrNoConfig when the file
// does not exist.
func (fs *FileStore) Load() (cfg Config, err error) {
	data, err := os.ReadFile(fs.Path)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNoConfig
		}
		return
	}
	cfg = DefaultConfig()
	if err = json.Unmarshal(data, &cfg); err != nil {
		err = fmt.Errorf("parse %s: %w", fs.Path, err)
		return
	}
	cfg.sanitize()
	return
}

// Save the configuration.
func (fs *FileStore) Save(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.Path, data, 0600)
}

// Clear removes the stored configuration.
func (fs *FileStore) Clear() error {
	err := os.Remove(fs.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

//----------------------------------------------------------------------

// MemStore keeps the configuration in memory. Used by tests and by
// targets without a writable filesystem.
type MemStore struct {
	sync.Mutex
	cfg *Config
}

// Load the stored configuration (ErrNoConfig after a Clear or on a
// fresh store).
func (ms *MemStore) Load() (Config, error) {
	ms.Lock()
	defer ms.Unlock()
	if ms.cfg == nil {
		return Config{}, ErrNoConfig
	}
	return *ms.cfg, nil
}

// Save the configuration.
func (ms *MemStore) Save(cfg Config) error {
	ms.Lock()
	defer ms.Unlock()
	ms.cfg = &cfg
	return nil
}

// Clear drops the stored configuration.
func (ms *MemStore) Clear() error {
	ms.Lock()
	defer ms.Unlock()
	ms.cfg = nil
	return nil
}
