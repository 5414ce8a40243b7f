package display

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roomrelay/config"
	"github.com/temoto/roomrelay/hardware/text_display"
	"github.com/temoto/roomrelay/log2"
)

type fakeSource struct {
	mu sync.Mutex
	s  string
	ok bool
}

func (f *fakeSource) set(s string, ok bool) {
	f.mu.Lock()
	f.s, f.ok = s, ok
	f.mu.Unlock()
}

func (f *fakeSource) ReadFormatted() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, f.ok
}

type fakeDisplay struct {
	mu    sync.Mutex
	calls [][2]string
}

func (d *fakeDisplay) SetLines(l1, l2 string) {
	d.mu.Lock()
	d.calls = append(d.calls, [2]string{l1, l2})
	d.mu.Unlock()
}

func (d *fakeDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func TestSplit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		width  int
		l1, l2 string
	}{
		{"T:23.4C H:45.2% P:1013hPa", 16, "T:23.4C H:45.2%", "P:1013hPa"},
		{"T:23.4C H:45.2% P:1013hPa", 40, "T:23.4C H:45.2% P:1013hPa", ""},
		{"T:23.4C H:45.2% P:1013hPa", 8, "T:23.4C", "H:45.2% P:1013hPa"},
		{"T:-1000000.0C H:0.0% P:0hPa", 8, "T:-1000000.0C", "H:0.0% P:0hPa"},
		{"", 16, "", ""},
	}
	for _, c := range cases {
		l1, l2 := Split(c.input, c.width)
		assert.Equal(t, c.l1, l1, "input=%q width=%d", c.input, c.width)
		assert.Equal(t, c.l2, l2, "input=%q width=%d", c.input, c.width)
	}
}

func TestPoll(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	disp := &fakeDisplay{}
	p := NewPoller(src, disp, time.Second, 16, log2.NewTest(t, log2.LDebug))

	// no value yet
	src.set("", true)
	assert.False(t, p.Poll())
	// lock timeout
	src.set("T:1.0C H:1.0% P:1hPa", false)
	assert.False(t, p.Poll())
	assert.Equal(t, 0, disp.count())

	src.set("T:23.4C H:45.2% P:1013hPa", true)
	assert.True(t, p.Poll())
	assert.Equal(t, [][2]string{{"T:23.4C H:45.2%", "P:1013hPa"}}, disp.calls)
	// unchanged
	assert.False(t, p.Poll())
	// timeout keeps previous content
	src.set("", false)
	assert.False(t, p.Poll())
	assert.Equal(t, 1, disp.count())

	src.set("T:23.5C H:45.2% P:1013hPa", true)
	assert.True(t, p.Poll())
	assert.Equal(t, 2, disp.count())
}

func TestRun(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("T:23.4C H:45.2% P:1013hPa", true)
	disp := &fakeDisplay{}
	p := NewPoller(src, disp, 5*time.Millisecond, 16, log2.NewTest(t, log2.LDebug))
	go p.Run()
	require.Eventually(t, func() bool { return disp.count() == 1 }, time.Second, time.Millisecond)
	src.set("T:20.0C H:45.2% P:1013hPa", true)
	require.Eventually(t, func() bool { return disp.count() == 2 }, time.Second, time.Millisecond)
	p.Stop()
}

func TestOpenLog(t *testing.T) {
	t.Parallel()

	c := &config.DisplayConfig{Enable: true, Driver: config.DriverLog, Width: 16}
	td, closer, err := Open(c, log2.NewTest(t, log2.LDebug))
	require.NoError(t, err)
	defer closer.Close()
	td.SetLines("T:23.4C H:45.2%", "P:1013hPa")
	dev := closer.(*LogDevice)
	assert.Equal(t, "T:23.4C H:45.2% ", dev.Row(1))
	assert.Equal(t, "P:1013hPa       ", dev.Row(2))
	assert.Equal(t, "", dev.Row(3))
}

func TestPollTextDisplay(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set("T:23.4C H:45.2% P:1013hPa", true)
	td, dev := text_display.NewMockTextDisplay(&text_display.TextDisplayConfig{Width: 16})
	p := NewPoller(src, td, time.Second, 16, log2.NewTest(t, log2.LDebug))
	assert.True(t, p.Poll())
	assert.Equal(t, "T:23.4C H:45.2% \nP:1013hPa       ", dev.String())
}
