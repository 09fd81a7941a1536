package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// RawStats is the undecoded stats payload of one VM, keyed by field name
// (totalbw, usedhdd, percentmem, state, ...).
type RawStats map[string]json.RawMessage

// String returns the field as text. Numbers are rendered in their JSON form;
// missing fields, null and non-scalar values give "".
func (r RawStats) String(key string) string {
	s, _ := scalarString(r[key])
	return s
}

// Has reports whether the field is present with a non-empty value other
// than the literal "null" the panel emits for unsupported resources.
func (r RawStats) Has(key string) bool {
	s := strings.TrimSpace(r.String(key))
	return s != "" && s != "null"
}

// VMStats fetches the resource usage of one VM. Every failure, including
// authentication and transport errors, wraps ErrStatsUnavailable.
func (c *Client) VMStats(ctx context.Context, id string) (RawStats, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatsUnavailable, err)
	}

	gen := c.currentGeneration()
	form := url.Values{
		"act": {"getstatsdiskusage"},
		"vi":  {id},
	}
	body, err := c.postForm(ctx, "stats", statsPath, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatsUnavailable, err)
	}

	var raw RawStats
	if err := json.Unmarshal(body, &raw); err != nil {
		c.logger.Debug("Stats response is not JSON",
			zap.String("vm_id", id),
			zap.String("body", preview(body)))
		// The panel answers requests from a dead session with its login page.
		if !hasAuthMarker(body) && c.invalidateSince(gen) {
			c.logger.Info("Session lost during stats request", zap.String("vm_id", id))
		}
		return nil, fmt.Errorf("%w: vm %s: decode: %v", ErrStatsUnavailable, id, err)
	}

	var success string
	if err := json.Unmarshal(raw["success"], &success); err != nil || success != "1" {
		return nil, fmt.Errorf("%w: vm %s: success=%s", ErrStatsUnavailable, id, strings.TrimSpace(string(raw["success"])))
	}
	return raw, nil
}

// scalarString renders a JSON scalar as text. It reports false for absent
// values, null, objects and arrays.
func scalarString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// truthy interprets the loosely typed success flags the panel returns.
func truthy(raw json.RawMessage) bool {
	s, ok := scalarString(raw)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false":
		return false
	}
	return true
}
