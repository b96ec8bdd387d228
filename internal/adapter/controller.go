// Package adapter switches the local radio on and off synchronously.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mil-ad/mechlink/internal/gate"
	"github.com/mil-ad/mechlink/internal/platform"
)

var (
	// ErrNotEnabled means the radio is still off after an enable round trip.
	ErrNotEnabled = errors.New("radio not enabled")

	// ErrStillEnabled means the radio is still on after a disable request.
	ErrStillEnabled = errors.New("radio still enabled")
)

// Controller performs one platform round trip per Enable/Disable call.
type Controller struct {
	radio   platform.Adapter
	timeout time.Duration
	logger  *slog.Logger
	pending gate.Gate[bool]
}

// NewController returns a controller that waits up to timeout for the
// platform to confirm an enable request.
func NewController(radio platform.Adapter, timeout time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{radio: radio, timeout: timeout, logger: logger}
}

// Enable powers the radio and blocks until the platform reports the outcome.
// It returns nil straight away if the radio is already on.
func (c *Controller) Enable(ctx context.Context) error {
	if on, err := c.radio.IsEnabled(); err == nil && on {
		return nil
	}

	if err := c.pending.Arm(); err != nil {
		return err
	}
	if err := c.radio.RequestEnable(); err != nil {
		c.pending.Disarm()
		return fmt.Errorf("request enable: %w", err)
	}
	if _, err := c.pending.Await(ctx, c.timeout); err != nil {
		return err
	}

	on, err := c.radio.IsEnabled()
	if err != nil {
		return fmt.Errorf("read radio state: %w", err)
	}
	if !on {
		return ErrNotEnabled
	}
	c.logger.Info("radio enabled")
	return nil
}

// Disable powers the radio down.
func (c *Controller) Disable() error {
	reqErr := c.radio.Disable()

	on, err := c.radio.IsEnabled()
	if err != nil {
		return fmt.Errorf("read radio state: %w", err)
	}
	if on {
		if reqErr != nil {
			return fmt.Errorf("%w: %v", ErrStillEnabled, reqErr)
		}
		return ErrStillEnabled
	}
	c.logger.Info("radio disabled")
	return nil
}

// HandleEvent completes a pending Enable on any radio state change.
func (c *Controller) HandleEvent(ev platform.Event) {
	if rs, ok := ev.(platform.RadioStateChanged); ok {
		c.logger.Debug("radio state changed", "enabled", rs.Enabled)
		c.pending.Signal(rs.Enabled)
	}
}

var _ platform.EventHandler = (*Controller)(nil)
