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
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// console limits
const (
	maxLineLen = 512 // per-slot line buffer capacity
	maxDrain   = 256 // bytes drained per client per service cycle
	probeDrain = 32  // bytes drained during a liveness probe

	// grace period for a poll-style read; "now" would time out
	// before pending bytes are transferred.
	readPoll = 2 * time.Millisecond
)

const (
	prompt      = "> "
	clearScreen = "\x1b[2J\x1b[H"
)

const helpText = "Available commands:\r\n" +
	"  help, ?       - Show this help\r\n" +
	"  status        - Show device status\r\n" +
	"  restart       - Restart device\r\n" +
	"  factoryreset  - Factory reset\r\n" +
	"  clients       - Show connected clients\r\n" +
	"  wifi          - Show WiFi info\r\n" +
	"  memory        - Show memory usage\r\n" +
	"  config        - Show current configuration\r\n" +
	"  clear, cls    - Clear screen\r\n" +
	"  disconnect    - Disconnect this session\r\n" +
	"Custom commands can be added via handler\r\n" + prompt

// ConsoleHost is the collaborator surface the console reads from,
// plus the two destructive actions it may trigger. The console never
// mutates anything else in the host.
type ConsoleHost interface {
	DeviceName() string
	Uptime() time.Duration
	FreeMemory() (free, min uint64)
	Network() Netinfo
	ConfigText() string

	// Restart and FactoryReset are invoked deferred, after the
	// service cycle that dispatched the command has released the
	// slot table.
	Restart()
	FactoryReset()
}

// ConsoleConfig is the fixed configuration of a console instance.
type ConsoleConfig struct {
	MaxClients  int           // slot table size
	IdleTimeout time.Duration // eviction after this much inactivity
}

// slot holds one admitted client connection. The connection handle is
// only valid while the slot is occupied.
type slot struct {
	conn         net.Conn
	occupied     bool
	lastActivity time.Time
	lineBuf      []byte
	discarding   bool // drop input until the next terminator (overflow recovery)
}

// Console is a bounded-capacity multi-client line-command server. It
// owns no goroutine of its own beyond the listener pump: all slot
// work happens inside Service, which the host calls from its main
// loop. One mutex guards the slot table because Broadcast may arrive
// from outside the loop.
type Console struct {
	mu       sync.Mutex
	cfg      ConsoleConfig
	slots    []slot
	pending  chan net.Conn
	lst      net.Listener
	closed   chan struct{}
	deferred func() // destructive action to run after the cycle

	host    ConsoleHost
	handler Handler
	log     *slog.Logger
	now     func() time.Time
}

// NewConsole creates a console with an empty slot table. The handler
// is optional.
func NewConsole(cfg ConsoleConfig, host ConsoleHost, handler Handler, log *slog.Logger) *Console {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleAfter()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Console{
		cfg:     cfg,
		slots:   make([]slot, cfg.MaxClients),
		pending: make(chan net.Conn, cfg.MaxClients),
		closed:  make(chan struct{}),
		host:    host,
		handler: handler,
		log:     log,
		now:     time.Now,
	}
}

// Start accepting connections on the given listener. Accepted
// connections queue up for admission by the next service cycles.
func (c *Console) Start(lst net.Listener) {
	c.lst = lst
	go func() {
		for {
			conn, err := lst.Accept()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Error("console accept failed", "err", err)
				}
				return
			}
			select {
			case c.pending <- conn:
			case <-c.closed:
				conn.Close()
				return
			}
		}
	}()
}

// Offer hands a pre-established connection to the console, bypassing
// the listener. Returns false (and closes the connection) when the
// pending queue is full.
func (c *Console) Offer(conn net.Conn) bool {
	select {
	case c.pending <- conn:
		return true
	default:
		conn.Close()
		return false
	}
}

// Stop shuts the listener down and disconnects all clients.
func (c *Console) Stop(reason string) {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
	if c.lst != nil {
		c.lst.Close()
	}
	c.CloseAll(reason)
}

// Service performs one cooperative cycle: one admission attempt,
// input dispatch for every occupied slot, then idle reaping. The
// order matters: a slot evicted by its own command is skipped by the
// later stages (eviction is idempotent).
func (c *Console) Service() {
	c.mu.Lock()
	c.admitOne()
	c.drainAll()
	c.reapIdle()
	act := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	// restart/factoryreset run outside the slot table lock so they
	// can mass-disconnect without deadlocking.
	if act != nil {
		act()
	}
}

// admitOne moves at most one pending connection into a free slot. A
// second connection arriving in the same cycle waits for the next
// one. With all slots busy the connection is told so and closed
// without ever entering the table.
func (c *Console) admitOne() {
	var conn net.Conn
	select {
	case conn = <-c.pending:
	default:
		return
	}
	for i := range c.slots {
		s := &c.slots[i]
		if s.occupied {
			continue
		}
		if s.conn != nil {
			// stale transport left from an earlier occupant
			s.conn.Close()
		}
		s.conn = conn
		s.occupied = true
		s.lastActivity = c.now()
		s.lineBuf = s.lineBuf[:0]
		s.discarding = false
		c.writeSlot(i, c.welcome())
		c.log.Info("console client connected", "slot", i, "remote", remoteAddr(conn))
		return
	}
	fmt.Fprintf(conn, "Maximum clients reached (%d). Try again later.\r\n", c.cfg.MaxClients)
	conn.Close()
	c.log.Warn("console connection rejected, all slots busy")
}

// drainAll reads available input per slot (in index order, capped per
// cycle) and dispatches complete lines in arrival order.
func (c *Console) drainAll() {
	for i := range c.slots {
		s := &c.slots[i]
		if !s.occupied {
			continue
		}
		if !c.drainSlot(i, maxDrain) {
			c.log.Info("console client disconnected", "slot", i)
			c.evict(i, "")
			continue
		}
		for s.occupied {
			line, ok := s.nextLine()
			if !ok {
				break
			}
			if line == "" {
				continue
			}
			s.lastActivity = c.now()
			c.dispatch(i, line)
		}
	}
}

// reapIdle evicts every slot whose inactivity exceeds the timeout.
func (c *Console) reapIdle() {
	for i := range c.slots {
		s := &c.slots[i]
		if s.occupied && c.now().Sub(s.lastActivity) > c.cfg.IdleTimeout {
			c.log.Info("console client timeout", "slot", i)
			c.evict(i, "Connection timeout. Goodbye!\r\n")
		}
	}
}

// drainSlot reads whatever input is immediately available, up to
// limit bytes, into the slot's line buffer. Returns false when the
// transport reports closure.
func (c *Console) drainSlot(i, limit int) bool {
	s := &c.slots[i]
	var buf [64]byte
	total := 0
	for total < limit {
		if !s.occupied {
			// a write failure during feed already evicted the slot
			return false
		}
		s.conn.SetReadDeadline(time.Now().Add(readPoll))
		n, err := s.conn.Read(buf[:])
		if n > 0 {
			total += n
			c.feed(i, buf[:n])
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return true // nothing more right now
			}
			return false // EOF or hard failure
		}
	}
	return true
}

// feed appends input to the slot's line buffer, enforcing the line
// capacity exactly. An overflowing line is discarded up to its
// terminator and the client is told; the slot stays connected.
func (c *Console) feed(i int, data []byte) {
	s := &c.slots[i]
	for len(data) > 0 {
		if !s.occupied {
			// a write failure below already evicted the slot
			return
		}
		if s.discarding {
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				return
			}
			data = data[nl+1:]
			s.discarding = false
			continue
		}
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			if s.tailLen()+len(data) > maxLineLen {
				s.lineBuf = s.lineBuf[:len(s.lineBuf)-s.tailLen()]
				s.discarding = true
				c.writeSlot(i, "Line too long, input discarded.\r\n"+prompt)
				return
			}
			s.lineBuf = append(s.lineBuf, data...)
			return
		}
		if s.tailLen()+nl > maxLineLen {
			// terminator arrived, but the line is over the cap
			s.lineBuf = s.lineBuf[:len(s.lineBuf)-s.tailLen()]
			c.writeSlot(i, "Line too long, input discarded.\r\n"+prompt)
		} else {
			s.lineBuf = append(s.lineBuf, data[:nl+1]...)
		}
		data = data[nl+1:]
	}
}

// tailLen is the length of the unterminated tail behind the last
// complete line in the buffer.
func (s *slot) tailLen() int {
	if nl := bytes.LastIndexByte(s.lineBuf, '\n'); nl >= 0 {
		return len(s.lineBuf) - nl - 1
	}
	return len(s.lineBuf)
}

// nextLine pops one complete, trimmed line from the slot buffer.
func (s *slot) nextLine() (string, bool) {
	nl := bytes.IndexByte(s.lineBuf, '\n')
	if nl < 0 {
		return "", false
	}
	line := strings.TrimSpace(string(s.lineBuf[:nl]))
	s.lineBuf = append(s.lineBuf[:0], s.lineBuf[nl+1:]...)
	return line, true
}

// dispatch maps a command line to its action. Misses go to the
// external handler first; every branch ends with a fresh prompt on
// the slot's transport.
func (c *Console) dispatch(i int, line string) {
	c.log.Debug("console command", "slot", i, "cmd", line)
	switch line {
	case "help", "?":
		c.writeSlot(i, helpText)
	case "status":
		c.writeSlot(i, c.statusText())
	case "restart":
		c.writeSlot(i, "Restarting device...\r\n")
		c.deferred = c.host.Restart
	case "factoryreset":
		c.writeSlot(i, "Performing factory reset...\r\n")
		c.deferred = c.host.FactoryReset
	case "clients":
		c.writeSlot(i, c.clientsText())
	case "wifi":
		c.writeSlot(i, c.wifiText())
	case "memory":
		c.writeSlot(i, c.memoryText())
	case "config":
		c.writeSlot(i, c.host.ConfigText()+prompt)
	case "clear", "cls":
		c.writeSlot(i, clearScreen+prompt)
	case "disconnect":
		c.evict(i, "Disconnecting. Goodbye!\r\n")
	default:
		if c.handler != nil && c.handler.OnCustomCommand(line, &slotWriter{c, i}) {
			return
		}
		c.writeSlot(i, "Unknown command. Type 'help' for available commands.\r\n"+prompt)
	}
}

// evict closes and frees a slot, optionally telling the client why
// first. Evicting a free slot is a no-op.
func (c *Console) evict(i int, reason string) {
	s := &c.slots[i]
	if !s.occupied {
		return
	}
	if reason != "" {
		io.WriteString(s.conn, reason) // best effort
	}
	s.conn.Close()
	s.conn = nil
	s.occupied = false
	s.lineBuf = s.lineBuf[:0]
	s.discarding = false
}

// writeSlot sends a direct response to one occupied slot. A failed
// write evicts the slot: a dead peer cannot receive responses anyway.
func (c *Console) writeSlot(i int, text string) {
	s := &c.slots[i]
	if !s.occupied {
		return
	}
	if _, err := io.WriteString(s.conn, text); err != nil {
		c.log.Info("console write failed, evicting", "slot", i, "err", err)
		c.evict(i, "")
	}
}

// Broadcast sends text to every connected client, best effort: a
// write failure on one slot neither aborts the fan-out nor evicts
// the slot. Safe to call from outside the service loop.
func (c *Console) Broadcast(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.occupied {
			io.WriteString(s.conn, text)
		}
	}
}

// CloseAll evicts every occupied slot, telling the clients why.
func (c *Console) CloseAll(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.evict(i, reason)
	}
}

// ClientCount returns the number of slots whose transport is still
// live. Liveness is re-probed, not cached: a peer that vanished
// without a FIN is detected here and its slot freed.
func (c *Console) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLive()
}

// countLive probes every occupied slot, freeing dead ones. Bytes that
// arrive during the probe stay in the line buffer for the next
// service cycle. Caller holds the mutex.
func (c *Console) countLive() int {
	count := 0
	for i := range c.slots {
		s := &c.slots[i]
		if !s.occupied {
			continue
		}
		if !c.drainSlot(i, probeDrain) {
			c.evict(i, "")
			continue
		}
		count++
	}
	return count
}

//----------------------------------------------------------------------
// command responses

func (c *Console) welcome() string {
	free, _ := c.host.FreeMemory()
	b := new(strings.Builder)
	b.WriteString("\r\n")
	b.WriteString("+----------------------------------------+\r\n")
	b.WriteString("|         easyconn line console          |\r\n")
	b.WriteString("+----------------------------------------+\r\n")
	fmt.Fprintf(b, "Device: %s\r\n", c.host.DeviceName())
	fmt.Fprintf(b, "IP: %s\r\n", c.host.Network().Addr())
	fmt.Fprintf(b, "Free Heap: %d bytes\r\n", free)
	fmt.Fprintf(b, "Uptime: %ds\r\n", int64(c.host.Uptime().Seconds()))
	fmt.Fprintf(b, "Connected clients: %d/%d\r\n", c.countLive(), c.cfg.MaxClients)
	b.WriteString("Type 'help' for available commands\r\n")
	b.WriteString("----------------------------------------\r\n")
	b.WriteString(prompt)
	return b.String()
}

func (c *Console) statusText() string {
	free, _ := c.host.FreeMemory()
	nw := c.host.Network()
	b := new(strings.Builder)
	b.WriteString("Device Status:\r\n")
	fmt.Fprintf(b, "  Name: %s\r\n", c.host.DeviceName())
	fmt.Fprintf(b, "  Uptime: %ds\r\n", int64(c.host.Uptime().Seconds()))
	fmt.Fprintf(b, "  Free Heap: %d bytes\r\n", free)
	fmt.Fprintf(b, "  WiFi: %s (%d dBm)\r\n", nw.SSID(), nw.RSSI())
	fmt.Fprintf(b, "  IP: %s\r\n", nw.Addr())
	fmt.Fprintf(b, "  Console clients: %d/%d\r\n", c.countLive(), c.cfg.MaxClients)
	b.WriteString(prompt)
	return b.String()
}

func (c *Console) clientsText() string {
	b := new(strings.Builder)
	b.WriteString("Connected Console Clients:\r\n")
	for i := range c.slots {
		s := &c.slots[i]
		if s.occupied {
			fmt.Fprintf(b, "  %d. %s (active %ds ago)\r\n",
				i+1, remoteAddr(s.conn), int64(c.now().Sub(s.lastActivity).Seconds()))
		}
	}
	b.WriteString(prompt)
	return b.String()
}

func (c *Console) wifiText() string {
	nw := c.host.Network()
	b := new(strings.Builder)
	b.WriteString("WiFi Information:\r\n")
	fmt.Fprintf(b, "  SSID: %s\r\n", nw.SSID())
	fmt.Fprintf(b, "  IP: %s\r\n", nw.Addr())
	fmt.Fprintf(b, "  MAC: %s\r\n", nw.MAC())
	fmt.Fprintf(b, "  RSSI: %d dBm\r\n", nw.RSSI())
	fmt.Fprintf(b, "  Connected: %s\r\n", yesNo(nw.Connected()))
	b.WriteString(prompt)
	return b.String()
}

func (c *Console) memoryText() string {
	free, min := c.host.FreeMemory()
	b := new(strings.Builder)
	b.WriteString("Memory Information:\r\n")
	fmt.Fprintf(b, "  Free Heap: %d bytes\r\n", free)
	fmt.Fprintf(b, "  Min Free Heap: %d bytes\r\n", min)
	b.WriteString(prompt)
	return b.String()
}

//----------------------------------------------------------------------

// slotWriter lets an external handler respond directly to the slot
// that issued the command. Only valid during the dispatch call (the
// slot table mutex is held).
type slotWriter struct {
	c *Console
	i int
}

// Write implementation: direct response to the issuing slot.
func (w *slotWriter) Write(p []byte) (int, error) {
	s := &w.c.slots[w.i]
	if !s.occupied {
		return 0, net.ErrClosed
	}
	n, err := s.conn.Write(p)
	if err != nil {
		w.c.evict(w.i, "")
	}
	return n, err
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "?"
}
