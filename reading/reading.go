// Package reading decodes room sensor payloads into display text.
//
// Payload is JSON object with raw integer codes:
//
//	{"temperature": 2340, "humidity": 46285, "pressure": 25939200}
//
// Scaled with fixed divisors and rendered as "T:23.4C H:45.2% P:1013hPa".
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	KeyTemperature = "temperature"
	KeyHumidity    = "humidity"
	KeyPressure    = "pressure"

	TemperatureDivisor = 100.0
	HumidityDivisor    = 1024.0
	PressureDivisor    = 256.0 * 100.0

	FormattedMaxLen = 256
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingField     = errors.New("missing field")
)

type Reading struct {
	Temperature float64 // Celsius
	Humidity    float64 // percent
	Pressure    float64 // hPa
	Formatted   string
}

func (r Reading) String() string { return r.Formatted }

// Decode is pure, it never touches shared state.
// Errors match ErrMalformedPayload or ErrMissingField with errors.Cause().
func Decode(payload string) (Reading, error) {
	root := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(payload), &root); err != nil {
		return Reading{}, errors.Annotatef(ErrMalformedPayload, "json: %v", err)
	}
	if root == nil { // literal null
		return Reading{}, errors.Annotate(ErrMalformedPayload, "json: root is null")
	}

	var raw [3]float64
	for i, key := range [...]string{KeyTemperature, KeyHumidity, KeyPressure} {
		x, err := number(payload, root, key)
		if err != nil {
			return Reading{}, err
		}
		raw[i] = x
	}

	r := Reading{
		Temperature: raw[0] / TemperatureDivisor,
		Humidity:    raw[1] / HumidityDivisor,
		Pressure:    raw[2] / PressureDivisor,
	}
	r.Formatted = Format(r.Temperature, r.Humidity, r.Pressure)
	return r, nil
}

// Format renders scaled values with fixed template, bounded to FormattedMaxLen.
func Format(temperature, humidity, pressure float64) string {
	s := fmt.Sprintf("T:%.1fC H:%.1f%% P:%.0fhPa", temperature, humidity, pressure)
	return Bound(s, FormattedMaxLen)
}

// Bound is bounded string assignment: truncates to max bytes, never fails.
func Bound(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Exact key match wins, then first case-insensitive match in document order.
func lookup(payload string, root map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := root[key]; ok {
		return v, true
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	if _, err := dec.Token(); err != nil { // {
		return nil, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		if k, _ := tok.(string); strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func number(payload string, root map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := lookup(payload, root, key)
	if !ok {
		return 0, errors.Annotatef(ErrMissingField, "key=%s absent", key)
	}
	raw = bytes.TrimSpace(raw)
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// syntax is already checked, here it is out of float64 range
		return 0, errors.Annotatef(ErrMissingField, "key=%s unusable value=%s: %v", key, raw, err)
	}
	x, ok := v.(float64)
	if !ok {
		return 0, errors.Annotatef(ErrMissingField, "key=%s not numeric value=%s", key, raw)
	}
	return x, nil
}
