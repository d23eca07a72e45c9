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

import "io"

// Handler is the extension surface of the framework. One optional
// implementation is given at construction time and never reassigned
// afterwards. Embed BaseHandler to pick up no-op defaults.
type Handler interface {
	// OnConnected fires when the network link comes up (including
	// reconnects after a dropout).
	OnConnected()

	// OnDisconnected fires when the network link goes down.
	OnDisconnected()

	// OnConfigChanged fires after the configuration was updated and
	// persisted through the web API.
	OnConfigChanged()

	// OnCustomCommand handles a console line that matched no built-in
	// command. The handler must write its complete response to w,
	// terminated by the "> " prompt, before returning; w is only
	// valid for the duration of the call. The slot table is locked
	// during the call, so Broadcast must not be invoked from here
	// (spawn a goroutine to notify other clients). Return false to
	// fall back to the standard unknown-command message.
	OnCustomCommand(line string, w io.Writer) bool

	// OnWebSocketCommand handles a websocket text message that
	// matched no built-in command.
	OnWebSocketCommand(msg string)

	// CustomData may add application entries to the status document
	// served by the web API and pushed over websockets.
	CustomData(doc map[string]any)
}

// BaseHandler implements Handler with no-ops.
type BaseHandler struct{}

func (BaseHandler) OnConnected()     {}
func (BaseHandler) OnDisconnected()  {}
func (BaseHandler) OnConfigChanged() {}

func (BaseHandler) OnCustomCommand(line string, w io.Writer) bool { return false }

func (BaseHandler) OnWebSocketCommand(msg string) {}

func (BaseHandler) CustomData(doc map[string]any) {}
