package govee

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/govee/device"
	"github.com/dokzlo13/govee/learning"
)

const (
	testKey    = "test-key"
	stripID    = "40:83:FF:FF:FF:FF:11:11"
	socketID   = "40:83:FF:FF:FF:FF:22:22"
	stripModel = "H6163"
)

type recordedControl struct {
	Device string
	Cmd    string
	Value  json.RawMessage
}

// fakeAPI mimics the vendor endpoints for tests.
type fakeAPI struct {
	mu      sync.Mutex
	devices []map[string]any

	stateFn   func(deviceID string) (int, any)
	controlFn func(call recordedControl) (int, any)

	stateCalls   map[string]int
	controlCalls []recordedControl
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		stateCalls: make(map[string]int),
		stateFn: func(string) (int, any) {
			return http.StatusOK, stateBody(stripID, stripModel)
		},
		controlFn: func(recordedControl) (int, any) {
			return http.StatusOK, map[string]any{"code": 200, "message": "Success", "data": map[string]any{}}
		},
	}
}

func deviceEntry(id, model string, controllable, retrievable bool) map[string]any {
	return map[string]any{
		"device":       id,
		"model":        model,
		"deviceName":   "Test " + model,
		"controllable": controllable,
		"retrievable":  retrievable,
		"supportCmds":  []string{"turn", "brightness", "color", "colorTem"},
	}
}

// stateBody builds a state response; extra properties are appended after
// the online/powerState pair in the vendor's one-key-per-object shape.
func stateBody(id, model string, props ...map[string]any) map[string]any {
	all := append([]map[string]any{
		{"online": true},
		{"powerState": "off"},
	}, props...)
	return map[string]any{
		"code":    200,
		"message": "Success",
		"data": map[string]any{
			"device":     id,
			"model":      model,
			"properties": all,
		},
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path != "/ping" && r.Header.Get("Govee-API-Key") != testKey {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid API key"})
		return
	}

	switch r.URL.Path {
	case "/ping":
		io.WriteString(w, "Pong")
	case "/v1/devices":
		writeJSON(w, http.StatusOK, map[string]any{
			"code": 200, "message": "Success",
			"data": map[string]any{"devices": f.devices},
		})
	case "/v1/devices/state":
		id := r.URL.Query().Get("device")
		f.stateCalls[id]++
		status, body := f.stateFn(id)
		writeJSON(w, status, body)
	case "/v1/devices/control":
		var req struct {
			Device string `json:"device"`
			Cmd    struct {
				Name  string          `json:"name"`
				Value json.RawMessage `json:"value"`
			} `json:"cmd"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Bad request"})
			return
		}
		call := recordedControl{Device: req.Device, Cmd: req.Cmd.Name, Value: req.Cmd.Value}
		f.controlCalls = append(f.controlCalls, call)
		status, body := f.controlFn(call)
		writeJSON(w, status, body)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeAPI) controls() []recordedControl {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedControl(nil), f.controlCalls...)
}

func (f *fakeAPI) statePolls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls[id]
}

func newTestClient(t *testing.T, api *fakeAPI, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithRPSLimit(1000),
		WithLockWindows(10*time.Millisecond, 5*time.Millisecond),
		WithBrightnessTurnOnDelay(time.Millisecond),
	}, opts...)
	c, err := New(testKey, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, c.Close(ctx))
	})
	return c
}

func discoverStrip(t *testing.T, c *Client, api *fakeAPI) {
	t.Helper()
	api.mu.Lock()
	api.devices = []map[string]any{deviceEntry(stripID, stripModel, true, true)}
	api.mu.Unlock()
	_, err := c.GetDevices(context.Background())
	require.NoError(t, err)
}

func TestNewRejectsEmptyKey(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, newFakeAPI())
	latency, err := c.Ping(context.Background())
	require.NoError(t, err)
	require.Greater(t, latency, time.Duration(0))
	require.True(t, c.Online())
}

func TestGetDevicesMergesWithoutDropping(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)

	api.mu.Lock()
	api.devices = []map[string]any{
		deviceEntry(stripID, stripModel, true, true),
		deviceEntry(socketID, "H5001", true, false),
	}
	api.mu.Unlock()

	devices, err := c.GetDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	// A later partial response keeps the missing device cached.
	api.mu.Lock()
	api.devices = api.devices[:1]
	api.mu.Unlock()
	devices, err = c.GetDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

func TestGetDevicesEmitsNewDeviceEvent(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)

	events := make(chan Event, 4)
	c.OnNewDevice(func(e Event) { events <- e })

	discoverStrip(t, c, api)
	select {
	case e := <-events:
		require.Equal(t, stripID, e.Device)
		require.Equal(t, stripModel, e.Model)
	case <-time.After(2 * time.Second):
		t.Fatal("no new-device event")
	}

	// Re-discovery of a known device stays silent.
	discoverStrip(t, c, api)
	select {
	case <-events:
		t.Fatal("re-discovery must not emit an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDiscoveryDefaultsForH6104(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)

	api.mu.Lock()
	api.devices = []map[string]any{deviceEntry("AA:BB", "H6104", true, false)}
	api.mu.Unlock()
	_, err := c.GetDevices(ctx)
	require.NoError(t, err)

	info, ok, err := c.book.Get(ctx, "AA:BB")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, info.BeforeSetBrightnessTurnOn, "H6104 needs a turn-on before brightness")
	require.Equal(t, learning.RangeNone, info.GetBrightnessMax, "non-retrievable devices never learn a get range")
}

func TestGetStatesReconcilesPoll(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)
	discoverStrip(t, c, api)

	api.mu.Lock()
	api.stateFn = func(string) (int, any) {
		return http.StatusOK, stateBody(stripID, stripModel,
			map[string]any{"brightness": 42},
			map[string]any{"color": map[string]any{"r": 255, "g": 0, "b": 0}},
		)
	}
	api.mu.Unlock()

	devices, err := c.GetStates(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]
	require.True(t, d.IsOnline())
	require.False(t, d.PowerState)
	require.Equal(t, 42*254/100, d.Brightness, "raw 0-100 brightness is normalized")
	require.Equal(t, device.Color{R: 255}, d.Color)
	require.Equal(t, device.SourceAPI, d.Provenance[device.AttrBrightness])
}

func TestGetStatesOnlineAsString(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	discoverStrip(t, c, api)

	api.mu.Lock()
	api.stateFn = func(string) (int, any) {
		return http.StatusOK, map[string]any{
			"code": 200, "message": "Success",
			"data": map[string]any{
				"device": stripID, "model": stripModel,
				"properties": []map[string]any{
					{"online": "false"},
					{"powerState": "on"},
				},
			},
		}
	}
	api.mu.Unlock()

	_, err := c.GetStates(context.Background())
	require.NoError(t, err)
	d, ok := c.Device(device.ID(stripID))
	require.True(t, ok)
	require.NotNil(t, d.Online)
	require.False(t, *d.Online, `"false" string form parsed as offline`)
}

func TestGetStatesOfflineIsOffWinsOverStalePower(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)
	discoverStrip(t, c, api)
	require.NoError(t, c.SetDeviceOfflineIsOff(ctx, device.ID(stripID), true))

	// The vendor keeps reporting powerState "on" for offline devices.
	api.mu.Lock()
	api.stateFn = func(string) (int, any) {
		return http.StatusOK, map[string]any{
			"code": 200, "message": "Success",
			"data": map[string]any{
				"device": stripID, "model": stripModel,
				"properties": []map[string]any{
					{"powerState": "on"},
					{"online": false},
				},
			},
		}
	}
	api.mu.Unlock()

	_, err := c.GetStates(ctx)
	require.NoError(t, err)
	d, _ := c.Device(device.ID(stripID))
	require.False(t, d.PowerState, "offline-is-off must beat the stale powerState")
}

func TestGetStatesPerDeviceErrorDoesNotAbortPeers(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)

	api.mu.Lock()
	api.devices = []map[string]any{
		deviceEntry(stripID, stripModel, true, true),
		deviceEntry(socketID, "H5001", true, true),
	}
	api.stateFn = func(id string) (int, any) {
		if id == stripID {
			return http.StatusInternalServerError, map[string]any{"message": "backend hiccup"}
		}
		return http.StatusOK, stateBody(socketID, "H5001")
	}
	api.mu.Unlock()

	_, err := c.GetDevices(ctx)
	require.NoError(t, err)
	_, err = c.GetStates(ctx)
	require.NoError(t, err)

	failed, _ := c.Device(device.ID(stripID))
	require.NotEmpty(t, failed.LastError)
	ok, _ := c.Device(device.ID(socketID))
	require.Empty(t, ok.LastError)
	require.True(t, ok.IsOnline())
}

func TestGetStatesSkipsNonRetrievable(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)

	api.mu.Lock()
	api.devices = []map[string]any{deviceEntry(socketID, "H5001", true, false)}
	api.mu.Unlock()
	_, err := c.GetDevices(ctx)
	require.NoError(t, err)

	_, err = c.GetStates(ctx)
	require.NoError(t, err)
	require.Zero(t, api.statePolls(socketID), "non-retrievable devices are never polled")
}

func TestOnlineOfflineEvents(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	discoverStrip(t, c, api)

	offline := make(chan Event, 1)
	c.OnOffline(func(e Event) { offline <- e })

	setOnline := func(v bool) {
		api.mu.Lock()
		api.stateFn = func(string) (int, any) {
			return http.StatusOK, map[string]any{
				"code": 200, "message": "Success",
				"data": map[string]any{
					"device": stripID, "model": stripModel,
					"properties": []map[string]any{{"online": v}},
				},
			}
		}
		api.mu.Unlock()
	}

	// Baseline poll, then a flip.
	setOnline(true)
	_, err := c.GetStates(context.Background())
	require.NoError(t, err)
	setOnline(false)
	_, err = c.GetStates(context.Background())
	require.NoError(t, err)

	select {
	case e := <-offline:
		require.Equal(t, stripID, e.Device)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline event")
	}
}

func TestIgnoreDeviceAttributes(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)
	discoverStrip(t, c, api)

	require.Error(t, c.IgnoreDeviceAttributes("garbage"))
	require.NoError(t, c.IgnoreDeviceAttributes("API:power_state"))

	api.mu.Lock()
	api.stateFn = func(string) (int, any) {
		return http.StatusOK, map[string]any{
			"code": 200, "message": "Success",
			"data": map[string]any{
				"device": stripID, "model": stripModel,
				"properties": []map[string]any{{"powerState": "on"}},
			},
		}
	}
	api.mu.Unlock()

	_, err := c.GetStates(ctx)
	require.NoError(t, err)
	d, _ := c.Device(device.ID(stripID))
	require.False(t, d.PowerState, "ignored (API, power_state) observations are discarded")
}

func TestSetBrightnessRangeLocksLearning(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := newTestClient(t, api)
	discoverStrip(t, c, api)

	require.Error(t, c.SetBrightnessRange(ctx, device.ID(stripID), 7, learning.Range100))
	require.NoError(t, c.SetBrightnessRange(ctx, device.ID(stripID), learning.Range254, learning.Range254))

	info, ok, err := c.book.Get(ctx, stripID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, info.BrightnessRangeLocked)

	// A raw poll value of 42 would normally learn the 0-100 range.
	api.mu.Lock()
	api.stateFn = func(string) (int, any) {
		return http.StatusOK, stateBody(stripID, stripModel, map[string]any{"brightness": 42})
	}
	api.mu.Unlock()
	_, err = c.GetStates(ctx)
	require.NoError(t, err)

	info, _, err = c.book.Get(ctx, stripID)
	require.NoError(t, err)
	require.Equal(t, learning.Range254, info.GetBrightnessMax, "locked range must not be re-learned")
	d, _ := c.Device(device.ID(stripID))
	require.Equal(t, 42, d.Brightness, "254-range value stored as-is")
}

func TestRateLimitSnapshot(t *testing.T) {
	c := newTestClient(t, newFakeAPI())
	st := c.RateLimit()
	require.Positive(t, st.Total)
	require.Positive(t, st.Reserve)

	require.Error(t, c.SetRateLimitReserve(0))
	require.NoError(t, c.SetRateLimitReserve(10))
	require.Equal(t, 10, c.RateLimit().Reserve)
}
