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
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// router wires the JSON API and the websocket upgrade endpoint.
func (e *EasyConn) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", e.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/api/status", e.handleAPIStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/config", e.handleAPIConfigGet).Methods(http.MethodGet)
	r.HandleFunc("/api/config", e.handleAPIConfigSet).Methods(http.MethodPost)
	r.HandleFunc("/api/system", e.handleAPISystem).Methods(http.MethodPost)
	r.HandleFunc("/api/scan", e.handleAPIScan).Methods(http.MethodGet)
	r.Handle("/ws", e.hub)
	r.NotFoundHandler = http.HandlerFunc(e.handleNotFound)
	return r
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (e *EasyConn) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<html>" +
		"<head><title>easyconn</title></head>" +
		"<body>" +
		"<h1>easyconn device</h1>" +
		"<p>Device is running.</p>" +
		"<p>API Status: <a href='/api/status'>/api/status</a></p>" +
		"<p>Live updates: ws://&lt;device&gt;/ws</p>" +
		"</body>" +
		"</html>"))
}

func (e *EasyConn) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	cfg := e.Config()
	free, min := e.dev.FreeMemory()
	doc := map[string]any{
		"device": map[string]any{
			"name":        cfg.DeviceName,
			"freeHeap":    free,
			"minFreeHeap": min,
			"uptime":      e.Uptime().Milliseconds(),
		},
		"wifi": map[string]any{
			"connected": e.network.Connected(),
			"ssid":      e.network.SSID(),
			"rssi":      e.network.RSSI(),
			"ip":        e.network.Addr(),
			"mac":       e.network.MAC(),
		},
		"system": map[string]any{
			"consoleEnabled": cfg.EnableConsole,
			"consoleClients": e.ClientCount(),
			"otaEnabled":     cfg.EnableOTA,
		},
	}
	e.handler.CustomData(doc)
	respondJSON(w, http.StatusOK, doc)
}

func (e *EasyConn) handleAPIConfigGet(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, e.Config())
}

// handleAPIConfigSet patches the configuration: absent fields keep
// their current values.
func (e *EasyConn) handleAPIConfigSet(w http.ResponseWriter, r *http.Request) {
	cfg := e.Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}
	if err := e.SetConfig(cfg); err != nil {
		e.log.Warn("config save failed", "err", err)
	}
	e.handler.OnConfigChanged()
	respondJSON(w, http.StatusOK, map[string]string{"status": "Configuration updated"})
}

func (e *EasyConn) handleAPISystem(w http.ResponseWriter, r *http.Request) {
	switch r.FormValue("action") {
	case "restart":
		respondJSON(w, http.StatusOK, map[string]string{"status": "Restarting..."})
		go func() {
			time.Sleep(time.Second) // let the response flush
			e.Restart()
		}()
	case "factoryReset":
		respondJSON(w, http.StatusOK, map[string]string{"status": "Factory reset..."})
		go func() {
			time.Sleep(time.Second)
			e.FactoryReset()
		}()
	default:
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid action"})
	}
}

func (e *EasyConn) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	networks := []NetworkInfo{}
	if sc, ok := e.network.(NetworkScanner); ok {
		networks = sc.ScanNetworks()
	}
	respondJSON(w, http.StatusOK, map[string]any{"networks": networks})
}

func (e *EasyConn) handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusNotFound, map[string]string{"error": "Endpoint not found"})
}
