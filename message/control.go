package message

import (
	"encoding/json"
	"fmt"
)

// Control message types used by the image server handshake.
const (
	TypeStartServer         = "start-server"
	TypeServerStartResponse = "server-start-response"
)

// StartServerOK is the data of a successful server-start-response.
const StartServerOK = "OKE"

// ServerAlreadyRunning is reported by a worker whose server is already bound.
// The supervisor treats it as a successful start.
const ServerAlreadyRunning = "SERVER_ALREADY_RUNNING"

// Control is the {type, data} envelope used for handshakes. It travels in its own
// frame kind so it never collides with Call/Response routing.
type Control struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartServer is the data of a start-server control message.
type StartServer struct {
	Port int `json:"port"`
}

// StartError is the data of a failed server-start-response.
type StartError struct {
	Error string `json:"error"`
}

// NewControl builds a Control envelope carrying data.
func NewControl(typ string, data any) (*Control, error) {
	raw, err := Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Control{Type: typ, Data: raw}, nil
}

// AlreadyRunning reports whether a server-start-response says the worker's
// server was bound before this handshake, on a port the host did not choose.
func AlreadyRunning(ctl *Control) bool {
	var se StartError
	return ctl.Type == TypeServerStartResponse &&
		json.Unmarshal(ctl.Data, &se) == nil && se.Error == ServerAlreadyRunning
}

// StartResult interprets a server-start-response. It returns nil when the server
// started (or was already running) and an error describing the failure otherwise.
func StartResult(ctl *Control) error {
	if ctl.Type != TypeServerStartResponse {
		return fmt.Errorf("unexpected control type %q", ctl.Type)
	}
	var ok string
	if err := json.Unmarshal(ctl.Data, &ok); err == nil {
		if ok == StartServerOK {
			return nil
		}
		return fmt.Errorf("unexpected start response %q", ok)
	}
	var se StartError
	if err := json.Unmarshal(ctl.Data, &se); err != nil {
		return fmt.Errorf("decode start response: %w", err)
	}
	if se.Error == ServerAlreadyRunning {
		return nil
	}
	return fmt.Errorf("server start failed: %s", se.Error)
}
