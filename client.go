package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
)

func ipcCall(sock string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `mechlink daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func parseHandle(s string) (*int, error) {
	h, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("handle %q: %w", s, err)
	}
	return &h, nil
}

// buildRequest turns command-line words into a request. args[0] is the
// command.
func buildRequest(args []string) (IPCRequest, error) {
	if len(args) == 0 {
		return IPCRequest{}, fmt.Errorf("no command")
	}
	req := IPCRequest{Command: args[0]}
	rest := args[1:]

	switch req.Command {
	case cmdStatus, cmdEnable, cmdDisable, cmdScan:
		if len(rest) != 0 {
			return req, fmt.Errorf("usage: mechlink %s", req.Command)
		}

	case cmdUUIDs:
		if len(rest) > 1 {
			return req, fmt.Errorf("usage: mechlink uuids [address]")
		}
		if len(rest) == 1 {
			req.Address = rest[0]
		}

	case cmdConnect:
		if len(rest) > 2 {
			return req, fmt.Errorf("usage: mechlink connect [address] [service-uuid]")
		}
		if len(rest) >= 1 {
			req.Address = rest[0]
		}
		if len(rest) == 2 {
			req.ServiceID = rest[1]
		}

	case cmdRead, cmdDisconnect:
		if len(rest) != 1 {
			return req, fmt.Errorf("usage: mechlink %s <handle>", req.Command)
		}
		h, err := parseHandle(rest[0])
		if err != nil {
			return req, err
		}
		req.Handle = h

	case cmdWrite:
		if len(rest) != 12 {
			return req, fmt.Errorf("usage: mechlink write <handle> <center-fwd> <center-back> <pivot-left> <pivot-right> <stop> <step-cw> <step-ccw> <claw-open> <claw-close> <pause> <reset>")
		}
		h, err := parseHandle(rest[0])
		if err != nil {
			return req, err
		}
		req.Handle = h
		for _, s := range rest[1:] {
			v, err := strconv.Atoi(s)
			if err != nil {
				return req, fmt.Errorf("field %q: %w", s, err)
			}
			req.Fields = append(req.Fields, v)
		}

	default:
		return req, fmt.Errorf("unknown command: %s", req.Command)
	}
	return req, nil
}

// runCommand sends one request and prints the response as JSON.
func runCommand(sock string, args []string, out io.Writer) error {
	req, err := buildRequest(args)
	if err != nil {
		return err
	}
	resp, err := ipcCall(sock, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s (%s)", resp.Error, resp.Code)
	}
	return json.NewEncoder(out).Encode(resp)
}
