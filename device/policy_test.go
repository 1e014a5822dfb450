package device

import "testing"

func TestParseSourcePolicy(t *testing.T) {
	p, err := ParseSourcePolicy("API:power_state;HISTORY:online")
	if err != nil {
		t.Fatalf("ParseSourcePolicy: %v", err)
	}
	if !p.Disabled(SourceAPI, AttrPowerState) {
		t.Error("API:power_state should be disabled")
	}
	if !p.Disabled(SourceHistory, AttrOnline) {
		t.Error("HISTORY:online should be disabled")
	}
	if p.Disabled(SourceAPI, AttrBrightness) {
		t.Error("API:brightness should not be disabled")
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}

func TestParseSourcePolicy_CaseAndSpacing(t *testing.T) {
	p, err := ParseSourcePolicy(" history:Brightness ; api:colorTem ;")
	if err != nil {
		t.Fatalf("ParseSourcePolicy: %v", err)
	}
	if !p.Disabled(SourceHistory, AttrBrightness) {
		t.Error("history:Brightness should be disabled")
	}
	if !p.Disabled(SourceAPI, AttrColorTemp) {
		t.Error("api:colorTem should be disabled")
	}
}

func TestParseSourcePolicy_Empty(t *testing.T) {
	p, err := ParseSourcePolicy("")
	if err != nil {
		t.Fatalf("ParseSourcePolicy: %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("empty policy should disable nothing, got %d", p.Len())
	}
	// Zero value behaves the same.
	var zero SourcePolicy
	if zero.Disabled(SourceAPI, AttrOnline) {
		t.Error("zero policy should disable nothing")
	}
}

func TestParseSourcePolicy_Invalid(t *testing.T) {
	for _, s := range []string{"API", "API:bogus", "nowhere:online"} {
		if _, err := ParseSourcePolicy(s); err == nil {
			t.Errorf("ParseSourcePolicy(%q) should fail", s)
		}
	}
}

func TestDeviceSupportFlags(t *testing.T) {
	d := New("AA:BB", "H6163", "Strip", true, true, []string{CmdTurn, CmdBrightness, CmdColor, CmdColorTemp})
	if !d.SupportsTurn || !d.SupportsBrightness || !d.SupportsColor || !d.SupportsColorTemp {
		t.Error("all support flags should be derived from command list")
	}
	if !d.Supports(CmdTurn) || d.Supports("mode") {
		t.Error("Supports should reflect the command list")
	}
}

func TestDeviceClone(t *testing.T) {
	d := New("AA:BB", "H6163", "Strip", true, true, []string{CmdTurn})
	on := true
	d.Online = &on
	d.Provenance[AttrPowerState] = SourceHistory

	cp := d.Clone()
	cp.Provenance[AttrPowerState] = SourceAPI
	*cp.Online = false

	if d.Provenance[AttrPowerState] != SourceHistory {
		t.Error("clone must not share provenance map")
	}
	if !*d.Online {
		t.Error("clone must not share the online pointer")
	}
}

func TestRef(t *testing.T) {
	d := New("AA:BB", "H6163", "Strip", true, true, nil)
	var r Ref = d
	if r.DeviceID() != "AA:BB" {
		t.Errorf("device ref = %q", r.DeviceID())
	}
	r = ID("CC:DD")
	if r.DeviceID() != "CC:DD" {
		t.Errorf("id ref = %q", r.DeviceID())
	}
}
