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

package main

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/bfix/easyconn"
)

// WiFi credentials (link-time variables)
var (
	SSID   string
	Passwd string
	Host   string
	IP     string
)

// SensorHandler simulates a sensor unit attached to the device and
// wires it into the framework extension points.
type SensorHandler struct {
	easyconn.BaseHandler

	app         *easyconn.EasyConn
	dev         easyconn.Device
	temperature float64
	humidity    float64
	pressure    float64
	ledOn       bool
}

// OnConnected announces the access points for the device.
func (h *SensorHandler) OnConnected() {
	h.app.Logf("dashboard: http://%s", h.app.Network().Addr())
	h.app.Logf("console:   telnet %s", h.app.Network().Addr())
}

// OnCustomCommand extends the console vocabulary with sensor access.
func (h *SensorHandler) OnCustomCommand(line string, w io.Writer) bool {
	switch {
	case line == "sensors":
		fmt.Fprintf(w, "Current Sensor Readings:\r\n")
		fmt.Fprintf(w, "  Temperature: %.1f C\r\n", h.temperature)
		fmt.Fprintf(w, "  Humidity: %.1f %%\r\n", h.humidity)
		fmt.Fprintf(w, "  Pressure: %.1f hPa\r\n", h.pressure)
		fmt.Fprintf(w, "  LED: %s\r\n", onOff(h.ledOn))
		fmt.Fprint(w, "> ")
	case line == "led on" || line == "led off" || line == "toggle":
		switch line {
		case "led on":
			h.ledOn = true
		case "led off":
			h.ledOn = false
		default:
			h.ledOn = !h.ledOn
		}
		h.dev.LED(h.ledOn)
		fmt.Fprintf(w, "LED turned %s\r\n> ", onOff(h.ledOn))
	case strings.HasPrefix(line, "set temp "):
		v, err := strconv.ParseFloat(line[9:], 64)
		if err != nil {
			fmt.Fprintf(w, "bad value: %s\r\n> ", line[9:])
			break
		}
		h.temperature = v
		fmt.Fprintf(w, "Temperature set to %.1f C\r\n> ", v)
	default:
		return false
	}
	return true
}

// OnWebSocketCommand serves sensor data to dashboard clients.
func (h *SensorHandler) OnWebSocketCommand(msg string) {
	switch msg {
	case "getSensors":
		h.app.BroadcastJSON(h.sensorDoc("sensorData"))
	case "toggleLED":
		h.ledOn = !h.ledOn
		h.dev.LED(h.ledOn)
		h.app.BroadcastJSON(map[string]any{"type": "ledState", "on": h.ledOn})
	}
}

// CustomData adds sensor readings to the status document.
func (h *SensorHandler) CustomData(doc map[string]any) {
	doc["sensors"] = map[string]any{
		"temperature": h.temperature,
		"humidity":    h.humidity,
		"pressure":    h.pressure,
		"led":         h.ledOn,
	}
}

func (h *SensorHandler) sensorDoc(kind string) map[string]any {
	return map[string]any{
		"type":        kind,
		"temperature": h.temperature,
		"humidity":    h.humidity,
		"pressure":    h.pressure,
	}
}

// update simulates sensor drift within realistic ranges.
func (h *SensorHandler) update() {
	h.temperature = clamp(h.temperature+(rand.Float64()-0.5)*2, 15, 35)
	h.humidity = clamp(h.humidity+(rand.Float64()-0.5), 30, 80)
	h.pressure = clamp(h.pressure+(rand.Float64()-0.5)*4, 980, 1040)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// run sensor device
func main() {
	// access device
	dev := easyconn.InitDevice()
	state := easyconn.NewStatus(dev)
	defer state.Trap(30 * time.Second)
	state.Set(easyconn.StatOK, 0)

	// connect to WiFi
	nw, stat := easyconn.SetupNetwork(dev, easyconn.NetworkConfig{
		Hostname:    Host,
		RequestedIP: IP,
		SSID:        SSID,
		Passwd:      Passwd,
		TCPPorts:    3,
	})
	if stat != easyconn.StatOK {
		state.Set(stat, 0)
		return
	}

	// compose the framework unit
	handler := &SensorHandler{
		dev:         dev,
		temperature: 23.5,
		humidity:    65.2,
		pressure:    1013.25,
	}
	app := easyconn.New(easyconn.Options{
		Device:  dev,
		Network: nw,
		Handler: handler,
	})
	handler.app = app
	if stat = app.Begin("AdvancedSensorDevice"); stat != easyconn.StatOK {
		state.Set(stat, 0)
		return
	}

	lastSensor := time.Now()
	lastBroadcast := time.Now()
	for {
		app.Loop()

		if time.Since(lastSensor) > 2*time.Second {
			handler.update()
			lastSensor = time.Now()
		}
		if time.Since(lastBroadcast) > 30*time.Second {
			app.Broadcast(fmt.Sprintf("System broadcast: uptime %ds, temp %.1f C\r\n",
				int64(app.Uptime().Seconds()), handler.temperature))
			app.BroadcastJSON(handler.sensorDoc("sensorUpdate"))
			lastBroadcast = time.Now()
		}
		time.Sleep(100 * time.Millisecond)
	}
}
