package govee

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dokzlo13/govee/device"
	"github.com/dokzlo13/govee/learning"
)

// Color temperature bounds accepted by the control endpoint, in Kelvin.
const (
	MinColorTemp = 2000
	MaxColorTemp = 9000
)

// TurnOn powers the device on.
func (c *Client) TurnOn(ctx context.Context, ref device.Ref) error {
	return c.turn(ctx, ref, true)
}

// TurnOff powers the device off.
func (c *Client) TurnOff(ctx context.Context, ref device.Ref) error {
	return c.turn(ctx, ref, false)
}

func (c *Client) turn(ctx context.Context, ref device.Ref, on bool) error {
	d, err := c.resolveControllable(ref, device.CmdTurn)
	if err != nil {
		return err
	}
	value := "off"
	if on {
		value = "on"
	}
	if err := c.sendControl(ctx, d, device.CmdTurn, value); err != nil {
		return err
	}
	return c.recordHistory(ctx, d.ID, device.AttrPowerState, on)
}

// SetBrightness sets the brightness in the normalized 0-254 domain. The
// value is rescaled to whatever native range the device is known to accept;
// with an unknown range the full 0-254 value is tried first and a vendor
// rejection teaches the client to rescale.
func (c *Client) SetBrightness(ctx context.Context, ref device.Ref, brightness int) error {
	if brightness < 0 || brightness > 254 {
		return fmt.Errorf("brightness %d out of range 0..254", brightness)
	}
	d, err := c.resolveControllable(ref, device.CmdBrightness)
	if err != nil {
		return err
	}
	info, _, err := c.book.Get(ctx, d.ID)
	if err != nil {
		return err
	}

	if brightness > 0 && info.BeforeSetBrightnessTurnOn && !d.PowerState {
		c.log.Debug().Str("device", d.ID).Msg("Turning device on before brightness change")
		if err := c.turn(ctx, device.ID(d.ID), true); err != nil {
			return err
		}
		if err := sleepCtx(ctx, c.brightnessTurnOnDelay); err != nil {
			return err
		}
	}

	setMax, err := c.sendBrightness(ctx, d, info, brightness)
	if err != nil {
		return err
	}

	// Cache the value a later poll would report, not the requested one;
	// rescaling through a 0-100 device loses precision.
	cached := learning.RoundTrip(brightness, setMax)
	if err := c.recordHistory(ctx, d.ID, device.AttrBrightness, cached); err != nil {
		return err
	}
	return c.recordHistory(ctx, d.ID, device.AttrPowerState, brightness > 0)
}

// sendBrightness issues the control call, handling range learning. Returns
// the native range the successful call proved or assumed.
func (c *Client) sendBrightness(ctx context.Context, d *device.Device, info learning.LearnedInfo, brightness int) (int, error) {
	if info.SetBrightnessMax == learning.Range100 {
		return learning.Range100, c.sendControl(ctx, d, device.CmdBrightness, learning.ToNative(brightness, learning.Range100))
	}

	// Range unknown or 254: try the full-range value first.
	err := c.sendControl(ctx, d, device.CmdBrightness, brightness)
	if err == nil {
		if brightness > 100 {
			// A value above 100 was accepted, that proves the 0-254 range.
			c.learnSetRange(ctx, d.ID, info, learning.Range254)
		}
		return learning.Range254, nil
	}
	if info.SetBrightnessMax != learning.RangeUnknown || !isUnsupportedValue(err) {
		return 0, err
	}

	// The device rejected the raw value: it speaks 0-100.
	c.log.Debug().Str("device", d.ID).Msg("Full-range brightness rejected, retrying in the 0-100 range")
	if err := c.sendControl(ctx, d, device.CmdBrightness, learning.ToNative(brightness, learning.Range100)); err != nil {
		return 0, err
	}
	c.learnSetRange(ctx, d.ID, info, learning.Range100)
	return learning.Range100, nil
}

func (c *Client) learnSetRange(ctx context.Context, id string, info learning.LearnedInfo, max int) {
	updated, changed := learning.LearnSetRange(info, max)
	if !changed {
		return
	}
	c.log.Debug().Str("device", id).Int("set_brightness_max", max).Msg("Learned brightness control range")
	if err := c.book.Put(ctx, id, updated); err != nil {
		c.log.Warn().Err(err).Str("device", id).Msg("Failed to persist learned info")
	}
}

// isUnsupportedValue matches the vendor rejection of an out-of-range command
// value.
func isUnsupportedValue(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusBadRequest && strings.Contains(apiErr.Message, "Unsupported Cmd Value")
}

// SetColorTemp sets the color temperature in Kelvin.
func (c *Client) SetColorTemp(ctx context.Context, ref device.Ref, kelvin int) error {
	if kelvin < MinColorTemp || kelvin > MaxColorTemp {
		return fmt.Errorf("color temperature %dK out of range %d..%d", kelvin, MinColorTemp, MaxColorTemp)
	}
	d, err := c.resolveControllable(ref, device.CmdColorTemp)
	if err != nil {
		return err
	}
	if err := c.sendControl(ctx, d, device.CmdColorTemp, kelvin); err != nil {
		return err
	}
	return c.recordHistory(ctx, d.ID, device.AttrColorTemp, kelvin)
}

// SetColor sets the RGB color.
func (c *Client) SetColor(ctx context.Context, ref device.Ref, color device.Color) error {
	d, err := c.resolveControllable(ref, device.CmdColor)
	if err != nil {
		return err
	}
	if err := c.sendControl(ctx, d, device.CmdColor, color); err != nil {
		return err
	}
	return c.recordHistory(ctx, d.ID, device.AttrColor, color)
}

// resolveControllable looks the device up and checks it accepts the command.
func (c *Client) resolveControllable(ref device.Ref, cmd string) (*device.Device, error) {
	id := ref.DeviceID()
	d, ok := c.rec.Device(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if !d.Controllable {
		return nil, fmt.Errorf("%w: %s", ErrNotControllable, id)
	}
	if !d.Supports(cmd) {
		return nil, fmt.Errorf("%w: %s does not support %q", ErrUnsupportedCommand, id, cmd)
	}
	return d, nil
}

// sendControl waits out the spacing window of a previous control, issues the
// call, and opens the anti-flicker windows on success.
func (c *Client) sendControl(ctx context.Context, d *device.Device, cmd string, value any) error {
	if delay := c.rec.ControlDelay(d.ID); delay > 0 {
		c.log.Debug().Str("device", d.ID).Dur("delay", delay).Msg("Spacing control after a recent one")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
	if err := c.tr.control(ctx, d.ID, d.Model, cmd, value); err != nil {
		return err
	}
	c.rec.MarkControlled(d.ID)
	return nil
}

// recordHistory writes the optimistic observation after a successful
// control.
func (c *Client) recordHistory(ctx context.Context, id string, attr device.Attribute, value any) error {
	return c.rec.Observe(ctx, device.SourceHistory, id, attr, value)
}
