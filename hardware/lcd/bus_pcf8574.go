package lcd

import (
	"io"
	"time"

	"github.com/juju/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

// PCF8574 backpack port bits.
const (
	pcfRS        byte = 0x01
	pcfRW        byte = 0x02
	pcfE         byte = 0x04
	pcfBacklight byte = 0x08
)

// ExpanderBus drives display through PCF8574 I2C port expander,
// common "LCD1602 I2C" backpack wiring: P0=RS P1=RW P2=E P3=backlight P4-P7=D4-D7.
type ExpanderBus struct {
	w         io.Writer
	closer    io.Closer
	backlight byte
}

// OpenI2c opens bus by periph name ("" for first available, "1", "/dev/i2c-1").
func OpenI2c(busName string, addr uint16) (*ExpanderBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph host init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(err, "lcd i2c open bus=%s", busName)
	}
	dev := &i2c.Dev{Bus: bus, Addr: addr}
	self := NewExpanderBus(dev)
	self.closer = bus
	return self, nil
}

func NewExpanderBus(w io.Writer) *ExpanderBus {
	return &ExpanderBus{w: w, backlight: pcfBacklight}
}

func (self *ExpanderBus) SetBacklight(on bool) error {
	if on {
		self.backlight = pcfBacklight
	} else {
		self.backlight = 0
	}
	_, err := self.w.Write([]byte{self.backlight})
	return errors.Annotate(err, "lcd i2c backlight")
}

func (self *ExpanderBus) Close() error {
	if self.closer != nil {
		return self.closer.Close()
	}
	return nil
}

func (self *ExpanderBus) Send4(rs bool, nibble byte) error {
	b := nibble<<4 | self.backlight
	if rs {
		b |= pcfRS
	}
	if _, err := self.w.Write([]byte{b | pcfE, b}); err != nil {
		return errors.Annotate(err, "lcd i2c write")
	}
	time.Sleep(1 * time.Microsecond)
	return nil
}
