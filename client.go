// Package govee is a client for the Govee developer cloud API. It keeps an
// authoritative cache of device state, reconciling optimistic observations
// from control commands with state polls, learns per-device brightness
// quirks at runtime, and throttles itself against the account quota.
package govee

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/govee/device"
	"github.com/dokzlo13/govee/internal/eventbus"
	"github.com/dokzlo13/govee/internal/ratelimit"
	"github.com/dokzlo13/govee/internal/reconcile"
	"github.com/dokzlo13/govee/learning"
)

// RateLimitState is a snapshot of the request budget.
type RateLimitState struct {
	Total     int
	Remaining int
	ResetAt   time.Time
	Reserve   int
}

// Client talks to the vendor API on behalf of one API key. All methods are
// safe for concurrent use. Construct with New, release with Close.
type Client struct {
	log  zerolog.Logger
	tr   *transport
	book *learning.Book
	rec  *reconcile.Reconciler
	bus  *eventbus.Bus

	brightnessTurnOnDelay time.Duration

	// apiOnline tracks reachability of the API endpoint, not of any device.
	apiOnline atomic.Bool
}

// New builds a client for the given API key.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: empty API key", ErrUnauthorized)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		log:                   o.logger,
		book:                  learning.NewBook(o.storage),
		bus:                   eventbus.NewWithConfig(o.eventWorkers, o.eventQueue, o.logger),
		brightnessTurnOnDelay: o.brightnessTurnOnDelay,
	}
	c.rec = reconcile.New(c.book, func(id, model string, online bool, at time.Time) {
		t := eventbus.TypeOffline
		if online {
			t = eventbus.TypeOnline
		}
		c.bus.Publish(t, id, model, at)
	}, o.logger)
	if o.getLock > 0 || o.setLock > 0 {
		c.rec.SetLockWindows(o.getLock, o.setLock)
	}
	c.tr = &transport{
		baseURL:        o.baseURL,
		apiKey:         apiKey,
		http:           o.httpClient,
		budget:         ratelimit.New(o.reserve, o.logger),
		rps:            rate.NewLimiter(rate.Limit(o.rpsLimit), 1),
		log:            o.logger,
		onConnectivity: c.apiOnline.Store,
	}

	if err := c.book.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load learned device info: %w", err)
	}
	return c, nil
}

// Close flushes learned state and releases the client's resources. The
// context bounds how long event handlers may keep draining.
func (c *Client) Close(ctx context.Context) error {
	err := c.book.Flush(ctx)
	c.bus.Close(ctx)
	c.tr.http.CloseIdleConnections()
	return err
}

// Ping checks API reachability and returns the round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	return c.tr.ping(ctx)
}

// Online reports whether the last API call reached the endpoint. It says
// nothing about individual devices.
func (c *Client) Online() bool {
	return c.apiOnline.Load()
}

// RateLimit returns the current request budget.
func (c *Client) RateLimit() RateLimitState {
	s := c.tr.budget.Snapshot()
	return RateLimitState{Total: s.Total, Remaining: s.Remaining, ResetAt: s.ResetAt, Reserve: s.Reserve}
}

// SetRateLimitReserve adjusts the quota buffer kept in reserve.
func (c *Client) SetRateLimitReserve(n int) error {
	return c.tr.budget.SetReserve(n)
}

// IgnoreDeviceAttributes installs a source policy from its string form, e.g.
// "HISTORY:brightness;API:power_state". An empty string clears the policy.
func (c *Client) IgnoreDeviceAttributes(pairs string) error {
	policy, err := device.ParseSourcePolicy(pairs)
	if err != nil {
		return err
	}
	c.rec.SetPolicy(policy)
	return nil
}

// SetOfflineIsOff sets the client-wide offline-is-off override. When non-nil
// it wins over every device's own flag; nil defers back to the per-device
// configuration.
func (c *Client) SetOfflineIsOff(v *bool) {
	c.rec.SetGlobalOfflineIsOff(v)
}

// GetDevices discovers the account's devices and merges them into the cache.
// Devices absent from the response are kept, so a partial response never
// drops state. New devices emit a NewDevice event.
func (c *Client) GetDevices(ctx context.Context) ([]*device.Device, error) {
	found, err := c.tr.listDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range found {
		if !c.rec.UpsertDiscovered(f.Device, f.Model, f.DeviceName, f.Controllable, f.Retrievable, f.SupportCmds) {
			continue
		}
		c.log.Info().Str("device", f.Device).Str("model", f.Model).Msg("Discovered new device")
		c.applyDiscoveryDefaults(ctx, f)
		c.bus.Publish(eventbus.TypeNewDevice, f.Device, f.Model, time.Now())
	}
	return c.rec.Devices(), nil
}

// applyDiscoveryDefaults seeds the learned info of a newly seen device.
// Existing entries are left alone; user configuration survives restarts.
func (c *Client) applyDiscoveryDefaults(ctx context.Context, f discovery) {
	info, ok, err := c.book.Get(ctx, f.Device)
	if err != nil {
		c.log.Warn().Err(err).Str("device", f.Device).Msg("Failed to read learned info")
		return
	}
	changed := false
	// H6104 drops brightness commands while powered off.
	if !ok && f.Model == "H6104" {
		info.BeforeSetBrightnessTurnOn = true
		changed = true
	}
	if !f.Retrievable && info.GetBrightnessMax == learning.RangeUnknown {
		info.GetBrightnessMax = learning.RangeNone
		changed = true
	}
	if changed {
		if err := c.book.Put(ctx, f.Device, info); err != nil {
			c.log.Warn().Err(err).Str("device", f.Device).Msg("Failed to persist learned info")
		}
	}
}

// GetStates polls every retrievable cached device and reconciles the
// responses. One device's failure is recorded on that device and does not
// abort its peers; only authentication errors and cancellation do. Devices
// inside the post-control quiet window are served from cache untouched.
func (c *Client) GetStates(ctx context.Context) ([]*device.Device, error) {
	for _, id := range c.rec.IDs() {
		d, ok := c.rec.Device(id)
		if !ok || !d.Retrievable {
			continue
		}
		if c.rec.PollSuppressed(id) {
			c.log.Debug().Str("device", id).Msg("Poll suppressed after recent control")
			continue
		}
		st, err := c.tr.deviceState(ctx, id, d.Model)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
				return nil, err
			}
			c.log.Warn().Err(err).Str("device", id).Msg("State poll failed")
			c.rec.SetError(id, err.Error())
			continue
		}
		c.rec.SetError(id, "")
		if err := c.applyPoll(ctx, id, st); err != nil {
			return nil, err
		}
	}
	return c.rec.Devices(), nil
}

// applyPoll feeds one poll response into the reconciler. Online goes last:
// when the device is offline and offline-is-off applies, the derived
// power-off must win over the stale powerState the payload still carries.
func (c *Client) applyPoll(ctx context.Context, id string, st pollState) error {
	observe := func(attr device.Attribute, value any) error {
		return c.rec.Observe(ctx, device.SourceAPI, id, attr, value)
	}
	if st.powerState != nil {
		if err := observe(device.AttrPowerState, *st.powerState); err != nil {
			return err
		}
	}
	if st.brightness != nil {
		if err := observe(device.AttrBrightness, *st.brightness); err != nil {
			return err
		}
	}
	if st.color != nil {
		if err := observe(device.AttrColor, *st.color); err != nil {
			return err
		}
	}
	if st.colorTemp != nil {
		if err := observe(device.AttrColorTemp, *st.colorTemp); err != nil {
			return err
		}
	}
	if st.online != nil {
		if err := observe(device.AttrOnline, *st.online); err != nil {
			return err
		}
	}
	return nil
}

// Device returns the cached view of one device.
func (c *Client) Device(ref device.Ref) (*device.Device, bool) {
	return c.rec.Device(ref.DeviceID())
}

// Devices returns the cached view of all known devices, ordered by ID.
func (c *Client) Devices() []*device.Device {
	return c.rec.Devices()
}

// SetBeforeSetBrightnessTurnOn configures whether the device needs an
// explicit turn-on before a brightness command.
func (c *Client) SetBeforeSetBrightnessTurnOn(ctx context.Context, ref device.Ref, v bool) error {
	return c.updateLearned(ctx, ref, func(info *learning.LearnedInfo) {
		info.BeforeSetBrightnessTurnOn = v
	})
}

// SetDeviceOfflineIsOff configures whether this device reports as powered
// off while offline. The client-wide override, when set, still wins.
func (c *Client) SetDeviceOfflineIsOff(ctx context.Context, ref device.Ref, v bool) error {
	return c.updateLearned(ctx, ref, func(info *learning.LearnedInfo) {
		info.ConfigOfflineIsOff = v
	})
}

// SetBrightnessRange pins the device's native brightness ranges and locks
// them against auto-learning. Valid values are 100 and 254.
func (c *Client) SetBrightnessRange(ctx context.Context, ref device.Ref, setMax, getMax int) error {
	if setMax != learning.Range100 && setMax != learning.Range254 {
		return fmt.Errorf("set brightness range %d must be 100 or 254", setMax)
	}
	if getMax != learning.Range100 && getMax != learning.Range254 {
		return fmt.Errorf("get brightness range %d must be 100 or 254", getMax)
	}
	return c.updateLearned(ctx, ref, func(info *learning.LearnedInfo) {
		info.SetBrightnessMax = setMax
		info.GetBrightnessMax = getMax
		info.BrightnessRangeLocked = true
	})
}

func (c *Client) updateLearned(ctx context.Context, ref device.Ref, mutate func(*learning.LearnedInfo)) error {
	id := ref.DeviceID()
	if _, ok := c.rec.Device(id); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	info, _, err := c.book.Get(ctx, id)
	if err != nil {
		return err
	}
	mutate(&info)
	return c.book.Put(ctx, id, info)
}
