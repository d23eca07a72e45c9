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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Options for constructing an EasyConn instance. Device and Network
// are required; the rest default to in-memory / no-op collaborators.
type Options struct {
	Device  Device
	Network Network
	Store   ConfigStore
	Handler Handler
	Logger  *slog.Logger
}

// EasyConn composes the device, its network link, the persistent
// configuration, the line console, the web API with its websocket
// hub and the 9P diagnostics namespace into one unit owned by the
// host application. No global instance exists: multiple independent
// units can coexist (tests rely on that).
type EasyConn struct {
	dev     Device
	network Network
	store   ConfigStore
	handler Handler
	log     *slog.Logger

	mu        sync.Mutex
	cfg       Config
	started   time.Time
	connected bool
	lastPush  time.Time

	console *Console
	hub     *Hub
	ns      *Namespace
}

// New creates an EasyConn unit. Call Begin before use.
func New(opts Options) *EasyConn {
	if opts.Store == nil {
		opts.Store = new(MemStore)
	}
	if opts.Handler == nil {
		opts.Handler = BaseHandler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EasyConn{
		dev:     opts.Device,
		network: opts.Network,
		store:   opts.Store,
		handler: opts.Handler,
		log:     opts.Logger,
	}
}

// Begin loads the configuration and brings up the console, the web
// API and the diagnostics namespace. The returned state is StatOK or
// the LED blink code of the failed subsystem.
func (e *EasyConn) Begin(deviceName string) (state int) {
	cfg, err := e.store.Load()
	if err != nil {
		if errors.Is(err, ErrNoConfig) {
			e.log.Info("no stored configuration, using defaults")
		} else {
			e.log.Warn("config load failed, using defaults", "err", err)
		}
		cfg = DefaultConfig()
	}
	if deviceName != "" {
		cfg.DeviceName = deviceName
	}
	e.mu.Lock()
	e.cfg = cfg
	e.started = time.Now()
	e.connected = e.network.Connected()
	e.mu.Unlock()

	if err := e.store.Save(cfg); err != nil {
		e.log.Warn("config save failed", "err", err)
	}

	if cfg.EnableConsole {
		e.console = NewConsole(ConsoleConfig{
			MaxClients:  cfg.MaxClients,
			IdleTimeout: cfg.IdleAfter(),
		}, e, e.handler, e.log)
		lst, err := e.network.Listen(cfg.ConsolePort)
		if err != nil {
			e.log.Error("console listener failed", "port", cfg.ConsolePort, "err", err)
			return StatLISTEN1
		}
		e.console.Start(lst)
		e.log.Info("console started", "port", cfg.ConsolePort)
	}

	e.hub = NewHub(e.wsMessage, e.log)
	httpLst, err := e.network.Listen(cfg.HTTPPort)
	if err != nil {
		e.log.Error("web API listener failed", "port", cfg.HTTPPort, "err", err)
		return StatHTTP
	}
	go func() {
		if err := http.Serve(httpLst, e.router()); err != nil {
			e.log.Error("web API stopped", "err", err)
		}
	}()
	e.log.Info("web API started", "port", cfg.HTTPPort)

	e.ns = e.statusNamespace()
	nsLst, err := e.network.Listen(cfg.NamespacePort)
	if err != nil {
		e.log.Error("namespace listener failed", "port", cfg.NamespacePort, "err", err)
		return StatNS
	}
	go e.ns.Serve(nsLst)
	e.log.Info("diagnostics namespace started", "port", cfg.NamespacePort)

	if e.connected {
		e.handler.OnConnected()
	}
	return StatOK
}

// Loop performs one cooperative pass: console service cycle, link
// state watch and the periodic websocket status push. The host calls
// it from its main loop.
func (e *EasyConn) Loop() {
	if e.console != nil {
		e.console.Service()
	}

	up := e.network.Connected()
	e.mu.Lock()
	was := e.connected
	e.connected = up
	push := e.hub != nil && time.Since(e.lastPush) > e.cfg.UpdateEvery()
	if push {
		e.lastPush = time.Now()
	}
	e.mu.Unlock()

	if up != was {
		if up {
			e.Logf("WiFi reconnected (%s)", e.network.Addr())
			e.handler.OnConnected()
		} else {
			e.Logf("WiFi disconnected")
			e.handler.OnDisconnected()
		}
	}
	if push {
		e.hub.BroadcastJSON(e.statusDoc())
	}
}

// Logf logs through the structured logger and mirrors the line to all
// connected console clients.
func (e *EasyConn) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Info(msg)
	if e.console != nil {
		e.console.Broadcast(msg + "\r\n")
	}
}

// Broadcast sends text to all connected console clients.
func (e *EasyConn) Broadcast(text string) {
	if e.console != nil {
		e.console.Broadcast(text)
	}
}

// BroadcastJSON sends a document to all websocket clients.
func (e *EasyConn) BroadcastJSON(v any) {
	if e.hub != nil {
		e.hub.BroadcastJSON(v)
	}
}

// Config returns a snapshot of the current configuration.
func (e *EasyConn) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces and persists the configuration.
func (e *EasyConn) SetConfig(cfg Config) error {
	cfg.sanitize()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return e.store.Save(cfg)
}

// ClientCount returns the number of live console clients.
func (e *EasyConn) ClientCount() int {
	if e.console == nil {
		return 0
	}
	return e.console.ClientCount()
}

//----------------------------------------------------------------------
// ConsoleHost implementation

// DeviceName of this unit.
func (e *EasyConn) DeviceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.DeviceName
}

// Uptime since Begin.
func (e *EasyConn) Uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.started)
}

// FreeMemory figures of the device.
func (e *EasyConn) FreeMemory() (free, min uint64) {
	return e.dev.FreeMemory()
}

// Network attachment info.
func (e *EasyConn) Network() Netinfo {
	return e.network
}

// ConfigText for the console "config" command.
func (e *EasyConn) ConfigText() string {
	return e.Config().Dump()
}

// Restart disconnects all clients and restarts the device.
func (e *EasyConn) Restart() {
	e.log.Info("restarting device")
	if e.console != nil {
		e.console.CloseAll("Server shutting down for maintenance. Goodbye!\r\n")
	}
	e.dev.Restart()
}

// FactoryReset clears the stored configuration and credentials,
// disconnects all clients and restarts. Clear failures are logged but
// do not abort: retrying from a clean boot beats a half-reset limbo.
func (e *EasyConn) FactoryReset() {
	e.log.Info("performing factory reset")
	if err := e.store.Clear(); err != nil {
		e.log.Warn("config clear failed", "err", err)
	}
	if cc, ok := e.dev.(CredentialClearer); ok {
		if err := cc.ClearCredentials(); err != nil {
			e.log.Warn("credential clear failed", "err", err)
		}
	}
	if e.console != nil {
		e.console.CloseAll("Factory reset. Goodbye!\r\n")
	}
	e.dev.Restart()
}

//----------------------------------------------------------------------

// statusDoc builds the status document served by the web API and
// pushed over websockets.
func (e *EasyConn) statusDoc() map[string]any {
	cfg := e.Config()
	free, _ := e.dev.FreeMemory()
	doc := map[string]any{
		"type": "status",
		"wifi": map[string]any{
			"connected": e.network.Connected(),
			"ssid":      e.network.SSID(),
			"rssi":      e.network.RSSI(),
			"ip":        e.network.Addr(),
			"mac":       e.network.MAC(),
		},
		"system": map[string]any{
			"freeHeap": free,
			"uptime":   e.Uptime().Milliseconds(),
		},
		"config": map[string]any{
			"theme":      cfg.Theme,
			"deviceName": cfg.DeviceName,
		},
		"console": map[string]any{
			"enabled": cfg.EnableConsole,
			"clients": e.ClientCount(),
		},
	}
	e.handler.CustomData(doc)
	return doc
}

// wsMessage handles inbound websocket text commands.
func (e *EasyConn) wsMessage(msg string) {
	switch msg {
	case "getStatus":
		e.hub.BroadcastJSON(e.statusDoc())
	case "toggleTheme":
		cfg := e.Config()
		if cfg.Theme == "dark" {
			cfg.Theme = "light"
		} else {
			cfg.Theme = "dark"
		}
		if err := e.SetConfig(cfg); err != nil {
			e.log.Warn("theme save failed", "err", err)
		}
		e.hub.BroadcastJSON(e.statusDoc())
	default:
		e.handler.OnWebSocketCommand(msg)
	}
}

// statusNamespace builds the read-only 9P diagnostics filesystem.
func (e *EasyConn) statusNamespace() *Namespace {
	ns := NewNamespace("sys", "sys")
	add := func(path string, impl File) {
		if err := ns.NewFile(path, 0444, impl); err != nil {
			e.log.Error("namespace entry failed", "path", path, "err", err)
		}
	}
	add("/status", NewFuncFile(func() ([]byte, error) {
		free, _ := e.dev.FreeMemory()
		s := fmt.Sprintf("name: %s\nuptime: %ds\nfree: %d\nip: %s\nconnected: %v\n",
			e.DeviceName(), int64(e.Uptime().Seconds()), free,
			e.network.Addr(), e.network.Connected())
		return []byte(s), nil
	}))
	add("/config", NewFuncFile(func() ([]byte, error) {
		return []byte(e.Config().Dump()), nil
	}))
	add("/memory", NewFuncFile(func() ([]byte, error) {
		free, min := e.dev.FreeMemory()
		return []byte(fmt.Sprintf("free: %d\nmin: %d\n", free, min)), nil
	}))
	add("/clients", NewFuncFile(func() ([]byte, error) {
		return []byte(fmt.Sprintf("%d\n", e.ClientCount())), nil
	}))
	add("/uptime", NewFuncFile(func() ([]byte, error) {
		return []byte(fmt.Sprintf("%d\n", int64(e.Uptime().Seconds()))), nil
	}))
	return ns
}
