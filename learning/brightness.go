package learning

// Brightness scaling between the normalized 0-254 domain and a device's
// native range. Conversion happens only at the transport boundary; the
// device cache always holds normalized values.

// ToNative converts a normalized 0-254 brightness to the value sent on the
// wire for a device with the given SetBrightnessMax. For 0-100 devices a
// non-zero value never rounds down to 0, since that would turn the light
// off.
func ToNative(normalized, setMax int) int {
	if setMax != Range100 {
		return normalized
	}
	if normalized <= 0 {
		return 0
	}
	v := normalized * 100 / 254
	if v < 1 {
		v = 1
	}
	return v
}

// FromNative converts a raw brightness from a poll response into the
// normalized 0-254 domain.
func FromNative(raw, getMax int) int {
	if getMax != Range100 {
		return raw
	}
	return raw * 254 / 100
}

// RoundTrip predicts the normalized value a later poll would report after
// setting `normalized`, accounting for the precision lost on 0-100 devices.
// This is the value cached as the optimistic HISTORY observation.
func RoundTrip(normalized, setMax int) int {
	if setMax != Range100 {
		return normalized
	}
	native := ToNative(normalized, setMax)
	// ceil(native * 254 / 100)
	return (native*254 + 99) / 100
}

// LearnGetRange folds one raw poll brightness into the learned get-range.
// It is a pure function: given the current info and the observation it
// returns the updated info and whether anything changed. A value above 100
// proves the 0-254 range; otherwise 0-100 is assumed until disproven.
// Locked entries and non-retrievable markers are never modified.
func LearnGetRange(info LearnedInfo, raw int) (LearnedInfo, bool) {
	if info.BrightnessRangeLocked || info.GetBrightnessMax == RangeNone {
		return info, false
	}
	switch {
	case info.GetBrightnessMax == RangeUnknown:
		if raw > 100 {
			info.GetBrightnessMax = Range254
		} else {
			info.GetBrightnessMax = Range100
		}
		return info, true
	case info.GetBrightnessMax == Range100 && raw > 100:
		info.GetBrightnessMax = Range254
		return info, true
	}
	return info, false
}

// LearnSetRange records the control range proven by a successful (or
// corrected) control call. Locked entries are never modified, and a learned
// range is not downgraded once known.
func LearnSetRange(info LearnedInfo, max int) (LearnedInfo, bool) {
	if info.BrightnessRangeLocked {
		return info, false
	}
	if info.SetBrightnessMax == max {
		return info, false
	}
	// 254 is proof (a value above 100 was accepted); 100 only sticks while
	// nothing stronger is known.
	if max == Range100 && info.SetBrightnessMax == Range254 {
		return info, false
	}
	info.SetBrightnessMax = max
	return info, true
}
