package govee

import (
	"time"

	"github.com/dokzlo13/govee/internal/eventbus"
)

// Event describes one device lifecycle transition.
type Event struct {
	Device string
	Model  string
	At     time.Time
}

// EventHandler consumes device events. Handlers run on the client's
// dispatch pool; a slow or panicking handler never stalls polls or control
// calls.
type EventHandler func(Event)

// OnOnline registers a handler fired when a device comes online.
func (c *Client) OnOnline(h EventHandler) {
	c.subscribe(eventbus.TypeOnline, h)
}

// OnOffline registers a handler fired when a device goes offline.
func (c *Client) OnOffline(h EventHandler) {
	c.subscribe(eventbus.TypeOffline, h)
}

// OnNewDevice registers a handler fired when discovery finds a device not
// seen before.
func (c *Client) OnNewDevice(h EventHandler) {
	c.subscribe(eventbus.TypeNewDevice, h)
}

func (c *Client) subscribe(t eventbus.Type, h EventHandler) {
	c.bus.Subscribe(t, func(e eventbus.Event) {
		h(Event{Device: e.Device, Model: e.Model, At: e.At})
	})
}
