// Package display polls the relay for latest formatted reading and renders it on a character display.
package display

import (
	"io"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/roomrelay/config"
	"github.com/temoto/roomrelay/hardware/lcd"
	"github.com/temoto/roomrelay/hardware/text_display"
	"github.com/temoto/roomrelay/log2"
)

const DefaultPollInterval = 10 * time.Second

type Source interface {
	ReadFormatted() (string, bool)
}

type Displayer interface {
	SetLines(line1, line2 string)
}

type Poller struct {
	alive    *alive.Alive
	log      *log2.Log
	src      Source
	disp     Displayer
	interval time.Duration
	width    int
	last     string
	shown    bool
}

func NewPoller(src Source, disp Displayer, interval time.Duration, width int, log *log2.Log) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if width <= 0 {
		width = 16
	}
	return &Poller{
		alive:    alive.NewAlive(),
		log:      log,
		src:      src,
		disp:     disp,
		interval: interval,
		width:    width,
	}
}

// Poll reads store once. Returns true when display was updated.
// Lock timeout and empty value skip the cycle, previous content stays.
func (p *Poller) Poll() bool {
	s, ok := p.src.ReadFormatted()
	if !ok || s == "" {
		return false
	}
	if p.shown && s == p.last {
		return false
	}
	l1, l2 := Split(s, p.width)
	p.disp.SetLines(l1, l2)
	p.last, p.shown = s, true
	p.log.Debugf("display: rendered %q", s)
	return true
}

// Run polls immediately and then every interval until Stop.
func (p *Poller) Run() {
	if !p.alive.Add(1) {
		return
	}
	defer p.alive.Done()
	tmr := time.NewTicker(p.interval)
	defer tmr.Stop()
	stopch := p.alive.StopChan()
	for {
		p.Poll()
		select {
		case <-tmr.C:
		case <-stopch:
			return
		}
	}
}

func (p *Poller) Stop() {
	p.alive.Stop()
	p.alive.Wait()
}

// Split packs space separated fields into two lines of width.
// Fields that do not fit stay on second line, display scrolls it.
func Split(s string, width int) (string, string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", ""
	}
	l1 := fields[0]
	i := 1
	for ; i < len(fields); i++ {
		if len(l1)+1+len(fields[i]) > width {
			break
		}
		l1 += " " + fields[i]
	}
	return l1, strings.Join(fields[i:], " ")
}

// Open builds text display with device selected by config driver.
func Open(c *config.DisplayConfig, log *log2.Log) (*text_display.TextDisplay, io.Closer, error) {
	td, err := text_display.NewTextDisplay(&text_display.TextDisplayConfig{
		Codepage:    c.Codepage,
		ScrollDelay: c.ScrollDelay(),
		Width:       uint32(c.LineWidth()),
		Log:         log,
	})
	if err != nil {
		return nil, nil, errors.Annotate(err, "display")
	}

	var bus lcd.Bus
	switch c.DriverName() {
	case config.DriverLog:
		dev := NewLogDevice(log)
		td.SetDevice(dev)
		return td, dev, nil

	case config.DriverGpio:
		bus, err = lcd.OpenGpio(c.PinChip, c.Pinmap)

	case config.DriverI2c:
		bus, err = lcd.OpenI2c(c.I2cBus, c.I2cAddress())

	default:
		err = errors.NotValidf("display driver=%s", c.Driver)
	}
	if err != nil {
		return nil, nil, errors.Annotate(err, "display")
	}
	dev, err := lcd.New(bus, uint8(c.LineWidth()), c.Page1)
	if err != nil {
		bus.Close()
		return nil, nil, errors.Annotate(err, "display init")
	}
	td.SetDevice(dev)
	return td, dev, nil
}
