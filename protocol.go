package main

import (
	"github.com/mil-ad/mechlink/internal/discovery"
	"github.com/mil-ad/mechlink/internal/link"
)

// IPC commands understood by the daemon.
const (
	cmdStatus     = "status"
	cmdEnable     = "enable"
	cmdDisable    = "disable"
	cmdScan       = "scan"
	cmdUUIDs      = "uuids"
	cmdConnect    = "connect"
	cmdRead       = "read"
	cmdWrite      = "write"
	cmdDisconnect = "disconnect"
)

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command   string `json:"command"`
	Address   string `json:"address,omitempty"`    // uuids, connect
	ServiceID string `json:"service_id,omitempty"` // connect
	Handle    *int   `json:"handle,omitempty"`     // read, write, disconnect
	Fields    []int  `json:"fields,omitempty"`     // write
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Devices []discovery.Device `json:"devices,omitempty"`
	UUIDs   []string           `json:"uuids,omitempty"`
	Handle  *int               `json:"handle,omitempty"`
	Data    string             `json:"data,omitempty"`
	Frame   string             `json:"frame,omitempty"`
	Status  *link.Status       `json:"status,omitempty"`
	Error   string             `json:"error,omitempty"`
	Code    string             `json:"code,omitempty"` // see link.Code
}
