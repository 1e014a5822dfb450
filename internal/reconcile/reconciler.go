// Package reconcile merges state observations from control commands
// (HISTORY) and API polls into the authoritative cached device view.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/govee/device"
	"github.com/dokzlo13/govee/learning"
)

// Default anti-flicker windows, matching the observed vendor backend lag.
// After a successful control, polls are answered from the HISTORY cache for
// DefaultGetLock, and the next control is spaced by DefaultSetLock.
const (
	DefaultGetLock = 2 * time.Second
	DefaultSetLock = 1 * time.Second
)

// TransitionFunc is notified on every online/offline flip, at most once per
// actual transition.
type TransitionFunc func(deviceID, model string, online bool, at time.Time)

// Reconciler owns the device cache of one client instance. All methods are
// safe for concurrent use.
type Reconciler struct {
	mu      sync.Mutex
	devices map[string]*device.Device
	policy  device.SourcePolicy

	book *learning.Book
	// globalOfflineIsOff overrides the per-device learned flag when set.
	globalOfflineIsOff *bool

	onTransition TransitionFunc

	getLock time.Duration
	setLock time.Duration

	now func() time.Time
	log zerolog.Logger
}

// New creates a reconciler over the given learning book.
func New(book *learning.Book, onTransition TransitionFunc, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		devices:      make(map[string]*device.Device),
		book:         book,
		onTransition: onTransition,
		getLock:      DefaultGetLock,
		setLock:      DefaultSetLock,
		now:          time.Now,
		log:          log,
	}
}

// SetLockWindows overrides the anti-flicker windows.
func (r *Reconciler) SetLockWindows(getLock, setLock time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if getLock > 0 {
		r.getLock = getLock
	}
	if setLock > 0 {
		r.setLock = setLock
	}
}

// SetPolicy replaces the disabled (source, attribute) set.
func (r *Reconciler) SetPolicy(p device.SourcePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// SetGlobalOfflineIsOff sets the process-wide offline-is-off override;
// nil defers to each device's learned flag.
func (r *Reconciler) SetGlobalOfflineIsOff(v *bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalOfflineIsOff = v
}

// UpsertDiscovered merges one discovery entry into the cache. Existing
// devices are left untouched so a partial discovery response never drops
// state. Reports whether the device is new.
func (r *Reconciler) UpsertDiscovered(id, model, name string, controllable, retrievable bool, cmds []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		return false
	}
	d := device.New(id, model, name, controllable, retrievable, cmds)
	d.UpdatedAt = r.now()
	r.devices[id] = d
	return true
}

// Remove drops a device from the cache on re-discovery removal.
func (r *Reconciler) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Device returns a copy of the cached device.
func (r *Reconciler) Device(id string) (*device.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Devices returns copies of all cached devices, ordered by ID.
func (r *Reconciler) Devices() []*device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the cached device identifiers, ordered.
func (r *Reconciler) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkControlled opens the anti-flicker windows after a successful control
// call.
func (r *Reconciler) MarkControlled(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return
	}
	now := r.now()
	d.LockSetUntil = now.Add(r.setLock)
	d.LockGetUntil = now.Add(r.getLock)
}

// ControlDelay returns how long a new control command must still wait for
// the spacing window of the previous one.
func (r *Reconciler) ControlDelay(id string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return 0
	}
	delay := d.LockSetUntil.Sub(r.now())
	if delay < 0 {
		return 0
	}
	return delay
}

// PollSuppressed reports whether a state poll for the device must be
// answered from the HISTORY cache.
func (r *Reconciler) PollSuppressed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return false
	}
	return r.now().Before(d.LockGetUntil)
}

// SetError records the last poll error on a device without touching its
// attribute state.
func (r *Reconciler) SetError(id, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastError = msg
	}
}

// Observe merges one observation into the cache.
//
// Rules, in order:
//  1. a (source, attribute) pair disabled by policy is discarded silently;
//  2. API brightness arrives in the device's native range and is rescaled
//     through the learned get-range (learning new evidence as it appears);
//     HISTORY brightness is already normalized;
//  3. an online flip fires the transition callback exactly once, and an
//     offline observation forces power off when offline-is-off applies;
//  4. anything else overwrites value and provenance unconditionally.
//
// HISTORY values are always allowed to be overwritten by later API
// observations; API is ground truth. Online state only ever changes from
// API observations.
func (r *Reconciler) Observe(ctx context.Context, source device.Source, deviceID string, attr device.Attribute, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	if r.policy.Disabled(source, attr) {
		r.log.Debug().
			Str("device", deviceID).
			Str("source", string(source)).
			Str("attribute", string(attr)).
			Msg("Observation discarded by source policy")
		return nil
	}

	switch attr {
	case device.AttrOnline:
		if source != device.SourceAPI {
			// Online state is driven only by API observations.
			return nil
		}
		r.observeOnlineLocked(ctx, d, mustBool(attr, value))

	case device.AttrPowerState:
		d.PowerState = mustBool(attr, value)

	case device.AttrBrightness:
		v := mustInt(attr, value)
		if source == device.SourceAPI {
			v = r.normalizeBrightnessLocked(ctx, d, v)
		}
		d.Brightness = v

	case device.AttrColorTemp:
		d.ColorTemp = mustInt(attr, value)

	case device.AttrColor:
		c, ok := value.(device.Color)
		if !ok {
			panic(fmt.Sprintf("reconcile: attribute %s observed with %T value", attr, value))
		}
		d.Color = c

	default:
		panic(fmt.Sprintf("reconcile: observation for unknown attribute %q", attr))
	}

	d.Provenance[attr] = source
	d.UpdatedAt = r.now()
	return nil
}

// observeOnlineLocked applies an API online observation: baseline on first
// sight, transition callback on a flip, and the offline-is-off side effect.
func (r *Reconciler) observeOnlineLocked(ctx context.Context, d *device.Device, online bool) {
	prev := d.Online
	v := online
	d.Online = &v

	if prev != nil && *prev != online && r.onTransition != nil {
		r.onTransition(d.ID, d.Model, online, r.now())
	}

	if !online && r.offlineIsOffLocked(ctx, d) {
		// Derived write, still subject to the (API, power_state) policy.
		if !r.policy.Disabled(device.SourceAPI, device.AttrPowerState) {
			d.PowerState = false
			d.Provenance[device.AttrPowerState] = device.SourceAPI
		}
	}
}

func (r *Reconciler) offlineIsOffLocked(ctx context.Context, d *device.Device) bool {
	if r.globalOfflineIsOff != nil {
		return *r.globalOfflineIsOff
	}
	info, _, err := r.book.Get(ctx, d.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("device", d.ID).Msg("Failed to read learned info")
		return false
	}
	return info.ConfigOfflineIsOff
}

// normalizeBrightnessLocked folds a raw poll brightness into the learning
// loop and returns the normalized 0-254 value.
func (r *Reconciler) normalizeBrightnessLocked(ctx context.Context, d *device.Device, raw int) int {
	if !d.Retrievable {
		return raw
	}
	info, _, err := r.book.Get(ctx, d.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("device", d.ID).Msg("Failed to read learned info")
		return raw
	}
	updated, changed := learning.LearnGetRange(info, raw)
	if changed {
		r.log.Debug().
			Str("device", d.ID).
			Int("get_brightness_max", updated.GetBrightnessMax).
			Msg("Learned brightness state range")
		if updated.GetBrightnessMax == learning.Range100 {
			r.log.Info().
				Str("device", d.ID).
				Msg("Brightness range is assumed; pull the brightness up to max once if the slider does not match")
		}
		if err := r.book.Put(ctx, d.ID, updated); err != nil {
			r.log.Warn().Err(err).Str("device", d.ID).Msg("Failed to persist learned info")
		}
		info = updated
	}
	return learning.FromNative(raw, info.GetBrightnessMax)
}

func mustBool(attr device.Attribute, value any) bool {
	b, ok := value.(bool)
	if !ok {
		panic(fmt.Sprintf("reconcile: attribute %s observed with %T value", attr, value))
	}
	return b
}

func mustInt(attr device.Attribute, value any) int {
	i, ok := value.(int)
	if !ok {
		panic(fmt.Sprintf("reconcile: attribute %s observed with %T value", attr, value))
	}
	return i
}
