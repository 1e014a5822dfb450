package device

// Ref identifies a device in facade calls. Both a raw identifier string
// (as ID) and a cached *Device satisfy it, so callers can pass whichever
// they hold.
type Ref interface {
	DeviceID() string
}

// ID is a raw device identifier usable as a Ref.
type ID string

// DeviceID implements Ref.
func (id ID) DeviceID() string { return string(id) }

// DeviceID implements Ref.
func (d *Device) DeviceID() string { return d.ID }
