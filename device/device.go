// Package device holds the Govee device model shared by the client facade
// and the state reconciler.
package device

import (
	"time"
)

// Source tells where an attribute value came from.
type Source string

const (
	// SourceAPI marks values read back from a Govee API state poll.
	SourceAPI Source = "api"
	// SourceHistory marks values assumed locally after a successful control
	// command, pending confirmation from a poll.
	SourceHistory Source = "history"
)

// Attribute names a mergeable device attribute.
type Attribute string

const (
	AttrOnline     Attribute = "online"
	AttrPowerState Attribute = "power_state"
	AttrBrightness Attribute = "brightness"
	AttrColorTemp  Attribute = "color_temp"
	AttrColor      Attribute = "color"
)

// Vendor command names understood by the control endpoint.
const (
	CmdTurn       = "turn"
	CmdBrightness = "brightness"
	CmdColor      = "color"
	CmdColorTemp  = "colorTem"
)

// Color is an RGB triple, each channel 0-255.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Device is the cached view of one Govee light. Brightness is always stored
// normalized to 0-254; scaling to the device's native range happens at the
// transport boundary.
type Device struct {
	ID            string
	Model         string
	Name          string
	Controllable  bool
	Retrievable   bool
	SupportedCmds []string

	SupportsTurn       bool
	SupportsBrightness bool
	SupportsColor      bool
	SupportsColorTemp  bool

	// Online is nil until the first API poll establishes a baseline.
	Online     *bool
	PowerState bool
	Brightness int
	ColorTemp  int
	Color      Color

	// Provenance records which source last set each attribute.
	Provenance map[Attribute]Source

	UpdatedAt time.Time
	LastError string

	// Anti-flicker windows. Until LockSetUntil no further control command is
	// sent; until LockGetUntil polls are answered from the HISTORY cache.
	LockSetUntil time.Time
	LockGetUntil time.Time
}

// New builds a Device from discovery data with HISTORY defaults.
func New(id, model, name string, controllable, retrievable bool, cmds []string) *Device {
	d := &Device{
		ID:            id,
		Model:         model,
		Name:          name,
		Controllable:  controllable,
		Retrievable:   retrievable,
		SupportedCmds: append([]string(nil), cmds...),
		Provenance:    make(map[Attribute]Source),
	}
	for _, c := range cmds {
		switch c {
		case CmdTurn:
			d.SupportsTurn = true
		case CmdBrightness:
			d.SupportsBrightness = true
		case CmdColor:
			d.SupportsColor = true
		case CmdColorTemp:
			d.SupportsColorTemp = true
		}
	}
	return d
}

// Supports reports whether the vendor command is listed for this device.
func (d *Device) Supports(cmd string) bool {
	for _, c := range d.SupportedCmds {
		if c == cmd {
			return true
		}
	}
	return false
}

// IsOnline resolves the tri-state online flag; unknown counts as online so a
// device is not reported unavailable before the first poll.
func (d *Device) IsOnline() bool {
	return d.Online == nil || *d.Online
}

// Clone returns a deep copy safe to hand out to callers.
func (d *Device) Clone() *Device {
	cp := *d
	cp.SupportedCmds = append([]string(nil), d.SupportedCmds...)
	cp.Provenance = make(map[Attribute]Source, len(d.Provenance))
	for k, v := range d.Provenance {
		cp.Provenance[k] = v
	}
	if d.Online != nil {
		on := *d.Online
		cp.Online = &on
	}
	return &cp
}
