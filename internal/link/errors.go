package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/mil-ad/mechlink/internal/gate"
)

// Errors returned by Link. Every failure wraps exactly one of them.
var (
	ErrAdapter        = errors.New("adapter error")
	ErrDiscoveryStart = errors.New("discovery start error")
	ErrDeviceLookup   = errors.New("device lookup error")
	ErrConnect        = errors.New("connect error")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrIO             = errors.New("i/o error")
	ErrTimeout        = errors.New("timeout")
	ErrBusy           = errors.New("operation already pending")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrAdapter, "adapter"},
	{ErrDiscoveryStart, "discovery_start"},
	{ErrDeviceLookup, "device_lookup"},
	{ErrConnect, "connect"},
	{ErrInvalidHandle, "invalid_handle"},
	{ErrIO, "io"},
	{ErrTimeout, "timeout"},
	{ErrBusy, "busy"},
}

// Code returns a stable identifier for the kind of err, or "internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode is the inverse of Code. Unknown codes map to nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// classify wraps err in kind, unless it is a wait outcome that has its own
// kind.
func classify(kind, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gate.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, gate.ErrAlreadyArmed):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
