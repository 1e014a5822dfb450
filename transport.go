package govee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/govee/device"
	"github.com/dokzlo13/govee/internal/ratelimit"
)

// DefaultBaseURL is the Govee developer API endpoint.
const DefaultBaseURL = "https://developer-api.govee.com"

const (
	pathPing    = "/ping"
	pathDevices = "/v1/devices"
	pathState   = "/v1/devices/state"
	pathControl = "/v1/devices/control"

	headerAPIKey = "Govee-API-Key"

	// Rate limit headers returned on counted endpoints.
	headerRateTotal     = "Rate-Limit-Total"
	headerRateRemaining = "Rate-Limit-Remaining"
	headerRateReset     = "Rate-Limit-Reset"

	// Backoff before the single 429 retry when the reset time is unknown.
	rateLimitedBackoff = 5 * time.Second
)

// transport issues authenticated HTTP calls to the vendor API and maps
// failures to the typed error taxonomy. Every call passes the RPS ceiling
// and the header-budget limiter first.
type transport struct {
	baseURL string
	apiKey  string
	http    *http.Client
	budget  *ratelimit.Limiter
	rps     *rate.Limiter
	log     zerolog.Logger

	// onConnectivity is told whether the API endpoint is reachable after
	// every call.
	onConnectivity func(bool)
}

// discovery is one entry of the device list response.
type discovery struct {
	Device       string   `json:"device"`
	Model        string   `json:"model"`
	DeviceName   string   `json:"deviceName"`
	Controllable bool     `json:"controllable"`
	Retrievable  bool     `json:"retrievable"`
	SupportCmds  []string `json:"supportCmds"`
}

// pollState holds the parsed properties of one state response. Fields are
// nil when the response did not carry them.
type pollState struct {
	online     *bool
	powerState *bool
	// brightness is raw, in the device's native range.
	brightness *int
	color      *device.Color
	colorTemp  *int
}

func (t *transport) ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	data, status, err := t.do(ctx, http.MethodGet, pathPing, false, nil, nil)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	if err := t.checkStatus(status, data); err != nil {
		return 0, err
	}
	if body := strings.TrimSpace(string(data)); body != "Pong" {
		return 0, fmt.Errorf("%w: unexpected ping result %q", ErrBadResponse, body)
	}
	return elapsed, nil
}

func (t *transport) listDevices(ctx context.Context) ([]discovery, error) {
	data, status, err := t.do(ctx, http.MethodGet, pathDevices, true, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := t.checkStatus(status, data); err != nil {
		return nil, err
	}

	var payload struct {
		Data struct {
			Devices []json.RawMessage `json:"devices"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(payload.Data.Devices) == 0 {
		t.log.Info().Msg("API is connected but reports no devices; pair them in the Govee Home app first")
		return nil, nil
	}

	// One malformed entry must not discard its peers.
	out := make([]discovery, 0, len(payload.Data.Devices))
	for _, raw := range payload.Data.Devices {
		var d discovery
		if err := json.Unmarshal(raw, &d); err != nil || d.Device == "" {
			t.log.Warn().Err(err).RawJSON("entry", raw).Msg("Skipping malformed device entry")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (t *transport) deviceState(ctx context.Context, deviceID, model string) (pollState, error) {
	query := url.Values{}
	query.Set("device", deviceID)
	query.Set("model", model)

	data, status, err := t.do(ctx, http.MethodGet, pathState, true, query, nil)
	if err != nil {
		return pollState{}, err
	}
	if err := t.checkStatus(status, data); err != nil {
		return pollState{}, err
	}

	var payload struct {
		Data struct {
			Properties []map[string]json.RawMessage `json:"properties"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return pollState{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if payload.Data.Properties == nil {
		return pollState{}, fmt.Errorf("%w: state response without properties", ErrBadResponse)
	}
	return t.parseProperties(payload.Data.Properties), nil
}

// parseProperties flattens the vendor's list of single-key property objects.
func (t *transport) parseProperties(props []map[string]json.RawMessage) pollState {
	var st pollState
	for _, prop := range props {
		for key, raw := range prop {
			switch key {
			case "online":
				if v, ok := parseLooseBool(raw); ok {
					st.online = &v
				}
			case "powerState":
				var s string
				if json.Unmarshal(raw, &s) == nil {
					v := s == "on"
					st.powerState = &v
				}
			case "brightness":
				var v int
				if json.Unmarshal(raw, &v) == nil {
					st.brightness = &v
				}
			case "color":
				var c device.Color
				if json.Unmarshal(raw, &c) == nil {
					st.color = &c
				}
			case "colorTemInKelvin", "colorTem":
				var v int
				if json.Unmarshal(raw, &v) == nil {
					st.colorTemp = &v
				}
			default:
				t.log.Debug().Str("property", key).Msg("Unknown state property")
			}
		}
	}
	return st
}

// parseLooseBool accepts both a JSON bool and the string forms the API is
// known to emit ("true"/"false").
func parseLooseBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s == "true", true
	}
	return false, false
}

func (t *transport) control(ctx context.Context, deviceID, model, cmd string, value any) error {
	payload := map[string]any{
		"device": deviceID,
		"model":  model,
		"cmd":    map[string]any{"name": cmd, "value": value},
	}
	data, status, err := t.do(ctx, http.MethodPut, pathControl, true, nil, payload)
	if err != nil {
		return err
	}
	if err := t.checkStatus(status, data); err != nil {
		return err
	}

	// A 200 can still carry a vendor error body; its message is the error
	// detail and must never be swallowed into an empty error.
	var result struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if result.Message != "Success" {
		return newAPIError(status, result.Message)
	}
	return nil
}

// do runs one HTTP call through the rate limiters, tracks the budget
// headers, and retries a 429 exactly once after a backoff.
func (t *transport) do(ctx context.Context, method, path string, auth bool, query url.Values, payload any) ([]byte, int, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, 0, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	requestID := uuid.NewString()
	attempts := 0
	for {
		if err := t.rps.Wait(ctx); err != nil {
			return nil, 0, err
		}
		if err := t.budget.Reserve(ctx); err != nil {
			return nil, 0, err
		}

		u := t.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, 0, err
		}
		if auth {
			req.Header.Set(headerAPIKey, t.apiKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		t.log.Debug().
			Str("request_id", requestID).
			Str("method", method).
			Str("path", path).
			Msg("API request")

		resp, err := t.http.Do(req)
		if err != nil {
			t.notifyConnectivity(false)
			return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.notifyConnectivity(true)
		t.trackRateLimit(resp)
		if readErr != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			attempts++
			if attempts >= 2 {
				// Two consecutive 429s: surface instead of storming.
				return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(data)))
			}
			backoff := t.budget.DelayUntilReset()
			if backoff <= 0 {
				backoff = rateLimitedBackoff
			}
			t.log.Warn().
				Str("request_id", requestID).
				Dur("backoff", backoff).
				Msg("Quota exceeded despite reservation, retrying once after backoff")
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, 0, err
			}
			continue
		}
		return data, resp.StatusCode, nil
	}
}

func (t *transport) checkStatus(status int, body []byte) error {
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	default:
		return newAPIError(status, strings.TrimSpace(string(body)))
	}
}

// trackRateLimit feeds the budget limiter from response headers. When a
// counted endpoint returns no headers the speculative decrement done in
// Reserve simply stands.
func (t *transport) trackRateLimit(resp *http.Response) {
	if resp.StatusCode == http.StatusTooManyRequests {
		t.log.Warn().Msg("Rate limit exceeded; check whether other consumers share this API key")
	}
	totalStr := resp.Header.Get(headerRateTotal)
	remainingStr := resp.Header.Get(headerRateRemaining)
	resetStr := resp.Header.Get(headerRateReset)
	if totalStr == "" || remainingStr == "" || resetStr == "" {
		return
	}
	total, err1 := strconv.Atoi(totalStr)
	remaining, err2 := strconv.Atoi(remainingStr)
	resetEpoch, err3 := strconv.ParseFloat(resetStr, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		t.log.Warn().
			Str("total", totalStr).
			Str("remaining", remainingStr).
			Str("reset", resetStr).
			Msg("Malformed rate limit headers")
		return
	}
	sec, frac := int64(resetEpoch), resetEpoch-float64(int64(resetEpoch))
	t.budget.Update(total, remaining, time.Unix(sec, int64(frac*float64(time.Second))))
}

func (t *transport) notifyConnectivity(up bool) {
	if t.onConnectivity != nil {
		t.onConnectivity(up)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
