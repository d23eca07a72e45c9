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
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDoc(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil, discardLog())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c1 := dialWS(t, srv, "")
	c2 := dialWS(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 2
	}, time.Second, 10*time.Millisecond)

	hub.BroadcastJSON(map[string]any{"type": "ping", "n": 1})
	for _, c := range []*websocket.Conn{c1, c2} {
		doc := readDoc(t, c)
		assert.Equal(t, "ping", doc["type"])
		assert.EqualValues(t, 1, doc["n"])
	}
}

func TestHubInboundMessages(t *testing.T) {
	msgs := make(chan string, 4)
	hub := NewHub(func(s string) { msgs <- s }, discardLog())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv, "")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	select {
	case got := <-msgs:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestHubDropsLeavingClient(t *testing.T) {
	hub := NewHub(nil, discardLog())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv, "")
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWSGetStatus(t *testing.T) {
	e, _ := newTestApp(nil, new(recordingHandler))
	srv := httptest.NewServer(e.router())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	require.Eventually(t, func() bool {
		return e.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("getStatus")))
	doc := readDoc(t, conn)
	assert.Equal(t, "status", doc["type"])
	assert.Equal(t, "yes", doc["custom"])
}

func TestWSToggleTheme(t *testing.T) {
	e, _ := newTestApp(nil, nil)
	srv := httptest.NewServer(e.router())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	require.Eventually(t, func() bool {
		return e.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("toggleTheme")))
	doc := readDoc(t, conn)
	cfg := doc["config"].(map[string]any)
	assert.Equal(t, "light", cfg["theme"])
	assert.Equal(t, "light", e.Config().Theme)
}

func TestWSCustomCommand(t *testing.T) {
	h := new(recordingHandler)
	e, _ := newTestApp(nil, h)
	srv := httptest.NewServer(e.router())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("doThing")))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.wsMsgs) == 1 && h.wsMsgs[0] == "doThing"
	}, 2*time.Second, 10*time.Millisecond)
}
