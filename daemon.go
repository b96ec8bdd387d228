package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mil-ad/mechlink/internal/bluez"
	"github.com/mil-ad/mechlink/internal/discovery"
	"github.com/mil-ad/mechlink/internal/frame"
	"github.com/mil-ad/mechlink/internal/link"
	"github.com/mil-ad/mechlink/internal/registry"
	"github.com/mil-ad/mechlink/internal/rfcomm"
)

const codeBadRequest = "bad_request"

// commandLink is the part of *link.Link the daemon serves.
type commandLink interface {
	Enable(ctx context.Context) error
	Disable() error
	DiscoverDevices(ctx context.Context) ([]discovery.Device, error)
	ServiceIDs(ctx context.Context, address string) ([]string, error)
	Connect(ctx context.Context, address, serviceID string) (registry.Handle, error)
	Read(h registry.Handle) (string, error)
	Write(h registry.Handle, c frame.Command) (frame.Frame, error)
	Disconnect(h registry.Handle) error
	Status() link.Status
}

type daemon struct {
	link   commandLink
	cfg    Config
	logger *slog.Logger

	// Serialises the control operations. Reads block until data arrives, so
	// they and status queries bypass it; a disconnect must be able to run
	// while a read is pending.
	mu sync.Mutex
}

func errorResponse(err error) IPCResponse {
	return IPCResponse{Error: err.Error(), Code: link.Code(err)}
}

func badRequest(format string, args ...any) IPCResponse {
	return IPCResponse{Error: fmt.Sprintf(format, args...), Code: codeBadRequest}
}

func (d *daemon) handleRequest(ctx context.Context, req IPCRequest) IPCResponse {
	switch req.Command {
	case cmdStatus:
		st := d.link.Status()
		return IPCResponse{Status: &st}

	case cmdRead:
		if req.Handle == nil {
			return badRequest("handle is required")
		}
		data, err := d.link.Read(registry.Handle(*req.Handle))
		if err != nil {
			return errorResponse(err)
		}
		return IPCResponse{Data: data}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Command {
	case cmdEnable:
		if err := d.link.Enable(ctx); err != nil {
			return errorResponse(err)
		}
		return IPCResponse{}

	case cmdDisable:
		if err := d.link.Disable(); err != nil {
			return errorResponse(err)
		}
		return IPCResponse{}

	case cmdScan:
		devices, err := d.link.DiscoverDevices(ctx)
		if err != nil {
			return errorResponse(err)
		}
		if devices == nil {
			devices = []discovery.Device{}
		}
		return IPCResponse{Devices: devices}

	case cmdUUIDs:
		addr, err := resolveDevice(d.cfg, req.Address)
		if err != nil {
			return badRequest("%v", err)
		}
		ids, err := d.link.ServiceIDs(ctx, addr)
		if err != nil {
			return errorResponse(err)
		}
		return IPCResponse{UUIDs: ids}

	case cmdConnect:
		addr, err := resolveDevice(d.cfg, req.Address)
		if err != nil {
			return badRequest("%v", err)
		}
		h, err := d.link.Connect(ctx, addr, resolveService(d.cfg, addr, req.ServiceID))
		if err != nil {
			return errorResponse(err)
		}
		handle := int(h)
		return IPCResponse{Handle: &handle}

	case cmdWrite:
		if req.Handle == nil {
			return badRequest("handle is required")
		}
		cmd, err := frame.CommandFromInts(req.Fields)
		if err != nil {
			return badRequest("%v", err)
		}
		f, err := d.link.Write(registry.Handle(*req.Handle), cmd)
		if err != nil {
			return errorResponse(err)
		}
		return IPCResponse{Frame: f.String()}

	case cmdDisconnect:
		if req.Handle == nil {
			return badRequest("handle is required")
		}
		if err := d.link.Disconnect(registry.Handle(*req.Handle)); err != nil {
			return errorResponse(err)
		}
		return IPCResponse{}

	default:
		return badRequest("unknown command: %q", req.Command)
	}
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := badRequest("invalid request: %v", err)
		json.NewEncoder(conn).Encode(resp)
		return
	}

	resp := d.handleRequest(ctx, req)
	if resp.Error != "" {
		d.logger.Debug("request failed", "command", req.Command, "code", resp.Code, "error", resp.Error)
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.logger.Debug("write response", "error", err)
	}
}

func runDaemon(cfg Config) error {
	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	bz, err := bluez.Dial(cfg.Adapter, dur(cfg.ScanDuration), logger.With("component", "bluez"))
	if err != nil {
		return err
	}
	defer bz.Close()

	tr, err := rfcomm.New(rfcomm.Config{
		Channels:      cfg.RFCOMM.Channels,
		ProbeChannels: cfg.RFCOMM.ProbeChannels,
	}, logger.With("component", "rfcomm"))
	if err != nil {
		return err
	}

	l := link.New(bz, bz, tr, link.Config{
		EnableTimeout:    dur(cfg.Timeouts.Enable),
		ScanTimeout:      dur(cfg.Timeouts.Scan),
		ServiceTimeout:   dur(cfg.Timeouts.Services),
		ConnectTimeout:   dur(cfg.Timeouts.Connect),
		TransmitInterval: dur(cfg.Transmit.Interval),
		Logger:           logger,
	})
	defer func() {
		if err := l.Close(); err != nil {
			logger.Warn("close connections", "error", err)
		}
	}()

	sock := cfg.Socket
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &daemon{link: l, cfg: cfg, logger: logger}

	// Platform event pump.
	go func() {
		if err := bz.Run(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event source stopped", "error", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down")
		cancel()
		ln.Close()
	}()

	logger.Info("listening", "socket", sock, "adapter", cfg.Adapter)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			return nil
		}
		go d.handleConn(ctx, conn)
	}
}
