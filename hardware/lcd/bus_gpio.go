package lcd

import (
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
)

type PinMap struct {
	RS string `hcl:"rs"`
	RW string `hcl:"rw"`
	E  string `hcl:"e"`
	D4 string `hcl:"d4"`
	D5 string `hcl:"d5"`
	D6 string `hcl:"d6"`
	D7 string `hcl:"d7"`
}

func (pm PinMap) offsets() ([]uint32, error) {
	ss := []string{pm.RS, pm.RW, pm.E, pm.D4, pm.D5, pm.D6, pm.D7}
	names := []string{"rs", "rw", "e", "d4", "d5", "d6", "d7"}
	result := make([]uint32, len(ss))
	for i, s := range ss {
		x, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, errors.NotValidf("lcd pinmap %s=%q", names[i], s)
		}
		result[i] = uint32(x)
	}
	return result, nil
}

// GpioBus wires display pins directly to GPIO lines.
type GpioBus struct {
	chip   gpio.Chiper
	pins   gpio.Lineser
	pin_rs gpio.LineSetFunc // command/data, aliases: A0, RS
	pin_rw gpio.LineSetFunc // read/write
	pin_e  gpio.LineSetFunc // enable
	pin_d4 gpio.LineSetFunc
	pin_d5 gpio.LineSetFunc
	pin_d6 gpio.LineSetFunc
	pin_d7 gpio.LineSetFunc
}

func OpenGpio(chipName string, pinmap PinMap) (*GpioBus, error) {
	offsets, err := pinmap.offsets()
	if err != nil {
		return nil, err
	}
	chip, err := gpio.Open(chipName, "lcd")
	if err != nil {
		return nil, errors.Annotatef(err, "lcd gpio open chip=%s", chipName)
	}
	pins, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "lcd", offsets...)
	if err != nil {
		chip.Close()
		return nil, errors.Annotate(err, "lcd gpio lines")
	}
	bus, err := NewGpioBus(pins, pinmap)
	if err != nil {
		pins.Close()
		chip.Close()
		return nil, err
	}
	bus.chip = chip
	return bus, nil
}

func NewGpioBus(pins gpio.Lineser, pinmap PinMap) (*GpioBus, error) {
	offsets, err := pinmap.offsets()
	if err != nil {
		return nil, err
	}
	self := &GpioBus{
		pins:   pins,
		pin_rs: pins.SetFunc(offsets[0]),
		pin_rw: pins.SetFunc(offsets[1]),
		pin_e:  pins.SetFunc(offsets[2]),
		pin_d4: pins.SetFunc(offsets[3]),
		pin_d5: pins.SetFunc(offsets[4]),
		pin_d6: pins.SetFunc(offsets[5]),
		pin_d7: pins.SetFunc(offsets[6]),
	}
	return self, nil
}

func (self *GpioBus) Close() error {
	err := self.pins.Close()
	if self.chip != nil {
		if e := self.chip.Close(); err == nil {
			err = e
		}
	}
	return err
}

func (self *GpioBus) Send4(rs bool, nibble byte) error {
	self.pin_rs(b2b(rs))
	self.pin_rw(0)
	self.pin_d4(bb(nibble, 0))
	self.pin_d5(bb(nibble, 1))
	self.pin_d6(bb(nibble, 2))
	self.pin_d7(bb(nibble, 3))
	return self.blinkE()
}

func (self *GpioBus) blinkE() error {
	self.pin_e(1)
	if err := self.pins.Flush(); err != nil {
		return errors.Annotate(err, "lcd gpio flush")
	}
	time.Sleep(1 * time.Microsecond)
	self.pin_e(0)
	if err := self.pins.Flush(); err != nil {
		return errors.Annotate(err, "lcd gpio flush")
	}
	time.Sleep(1 * time.Microsecond)
	return nil
}

func bb(b, bit byte) byte {
	if b&(1<<bit) == 0 {
		return 0
	}
	return 1
}

func b2b(b bool) byte {
	if b {
		return 1
	}
	return 0
}
