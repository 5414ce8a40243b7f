package reading

import (
	"fmt"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		expect    string
		expectErr error
	}{
		{"reference", `{"temperature":2340,"humidity":46285,"pressure":25939200}`, "T:23.4C H:45.2% P:1013hPa", nil},
		{"small-pressure", `{"temperature":2340,"humidity":46285,"pressure":259328}`,
			fmt.Sprintf("T:%.1fC H:%.1f%% P:%.0fhPa", 2340/100.0, 46285/1024.0, 259328/25600.0), nil},
		{"negative", `{"temperature":-512,"humidity":0,"pressure":0}`, "T:-5.1C H:0.0% P:0hPa", nil},
		{"float-codes", `{"temperature":2000.0,"humidity":51200,"pressure":2.56e7}`, "T:20.0C H:50.0% P:1000hPa", nil},
		{"extra-fields", `{"id":"room1","temperature":2000,"humidity":51200,"pressure":25600000,"ts":1}`, "T:20.0C H:50.0% P:1000hPa", nil},
		{"case-insensitive", `{"Temperature":2000,"HUMIDITY":51200,"pressure":25600000}`, "T:20.0C H:50.0% P:1000hPa", nil},
		{"case-variants-first-wins", `{"TEMPERATURE":1000,"Temperature":2000,"humidity":51200,"pressure":25600000}`, "T:10.0C H:50.0% P:1000hPa", nil},
		{"exact-over-case-variant", `{"TEMPERATURE":1000,"temperature":2000,"humidity":51200,"pressure":25600000}`, "T:20.0C H:50.0% P:1000hPa", nil},
		{"whitespace", " \n{ \"temperature\" : 2000 , \"humidity\" : 51200 , \"pressure\" : 25600000 }\n", "T:20.0C H:50.0% P:1000hPa", nil},

		{"empty", ``, "", ErrMalformedPayload},
		{"garbage", `T:20`, "", ErrMalformedPayload},
		{"truncated", `{"temperature":2000,"humidity":51200,"pressure":2560`, "", ErrMalformedPayload},
		{"array", `[2000,51200,25600000]`, "", ErrMalformedPayload},
		{"null", `null`, "", ErrMalformedPayload},
		{"number-root", `42`, "", ErrMalformedPayload},

		{"empty-object", `{}`, "", ErrMissingField},
		{"no-humidity", `{"temperature":2000,"pressure":25600000}`, "", ErrMissingField},
		{"humidity-string", `{"temperature":2000,"humidity":"51200","pressure":25600000}`, "", ErrMissingField},
		{"pressure-null", `{"temperature":2000,"humidity":51200,"pressure":null}`, "", ErrMissingField},
		{"temperature-bool", `{"temperature":true,"humidity":51200,"pressure":25600000}`, "", ErrMissingField},
		{"temperature-out-of-range", `{"temperature":1e400,"humidity":51200,"pressure":25600000}`, "", ErrMissingField},
		{"temperature-object", `{"temperature":{"v":1},"humidity":51200,"pressure":25600000}`, "", ErrMissingField},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			r, err := Decode(c.input)
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err), "err=%v", err)
				assert.Equal(t, Reading{}, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, r.Formatted)
			assert.Equal(t, c.expect, r.String())
		})
	}
}

func TestDecodeDeterministic(t *testing.T) {
	t.Parallel()

	const input = `{"Humidity":0,"TEMPERATURE":1000,"temperaturE":3000,"Temperature":2000,"HUMIDITY":51200,"pressure":25600000}`
	for i := 0; i < 200; i++ {
		r, err := Decode(input)
		require.NoError(t, err)
		require.Equal(t, "T:10.0C H:0.0% P:1000hPa", r.Formatted, "iteration=%d", i)
	}
}

func TestDecodeScale(t *testing.T) {
	t.Parallel()

	r, err := Decode(`{"temperature":2340,"humidity":46285,"pressure":259328}`)
	require.NoError(t, err)
	assert.InDelta(t, 2340/100.0, r.Temperature, 1e-9)
	assert.InDelta(t, 46285/1024.0, r.Humidity, 1e-9)
	assert.InDelta(t, 259328/25600.0, r.Pressure, 1e-9)
	assert.Equal(t, "T:23.4C H:45.2% P:10hPa", r.Formatted)
}

func TestFormatBound(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "T:23.4C H:45.2% P:1013hPa", Format(23.4, 45.2, 1013.25))

	huge := Format(1e300, 1e300, 1e300)
	assert.Len(t, huge, FormattedMaxLen)
	assert.True(t, strings.HasPrefix(huge, "T:"))

	r, err := Decode(`{"temperature":1e300,"humidity":1,"pressure":1}`)
	require.NoError(t, err)
	assert.Len(t, r.Formatted, FormattedMaxLen)
}

func TestBound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		max    int
		expect string
	}{
		{"", 4, ""},
		{"abc", 4, "abc"},
		{"abcd", 4, "abcd"},
		{"abcde", 4, "abcd"},
		{"abc", 0, ""},
		{"abc", -1, ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, Bound(c.input, c.max), "input=%q max=%d", c.input, c.max)
	}
	long := strings.Repeat("x", 300)
	assert.Len(t, Bound(long, 256), 256)
	assert.Len(t, Bound(long[:256], 256), 256)
	assert.Len(t, Bound(long[:255], 256), 255)
}
