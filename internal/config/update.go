package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidUpdate is returned by [DecodeUpdate] for payloads that are
// not a JSON object or carry a field of the wrong type.
var ErrInvalidUpdate = errors.New("invalid config update")

// Update is a decoded request to change the sampling interval, shared by
// the MQTT command topic and the HTTP control endpoint.
type Update struct {
	// Interval is nil when the payload carried no interval key.
	Interval *int
	// Persist requests that the new interval be written to the config file.
	Persist bool
}

// DecodeUpdate strictly decodes {"interval": <integer>, "persist": <bool>}.
// Both keys are optional here; callers decide whether an absent interval
// is a no-op or an error. Unknown keys are ignored. Strings, floats and
// other wrong types are rejected rather than coerced.
func DecodeUpdate(payload []byte) (Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if fields == nil {
		return Update{}, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidUpdate)
	}

	var u Update
	if raw, ok := fields["interval"]; ok {
		n, err := decodeInteger(raw)
		if err != nil {
			return Update{}, fmt.Errorf("%w: interval must be an integer", ErrInvalidUpdate)
		}
		u.Interval = &n
	}
	if raw, ok := fields["persist"]; ok {
		// Decoding null into a pointer leaves it nil, so an explicit
		// null is caught here instead of reading as false.
		var persist *bool
		if err := json.Unmarshal(raw, &persist); err != nil || persist == nil {
			return Update{}, fmt.Errorf("%w: persist must be a boolean", ErrInvalidUpdate)
		}
		u.Persist = *persist
	}
	return u, nil
}

// decodeInteger accepts only JSON numbers with an integral literal.
func decodeInteger(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	i, err := num.Int64()
	if err != nil {
		return 0, err
	}
	if int64(int(i)) != i {
		return 0, fmt.Errorf("integer out of range: %s", raw)
	}
	return int(i), nil
}
