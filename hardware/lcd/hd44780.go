// Package lcd drives HD44780 compatible character displays in 4-bit mode.
package lcd

import (
	"sync"
	"time"
)

type Command byte

const (
	CommandClear   Command = 0x01
	CommandReturn  Command = 0x02
	CommandControl Command = 0x08
	CommandAddress Command = 0x80
)

type Control byte

const (
	ControlOn         Control = 0x04
	ControlUnderscore Control = 0x02
	ControlBlink      Control = 0x01
)
const ddramWidth = 0x40

// Bus transfers one nibble (low 4 bits) with register select and strobes E.
type Bus interface {
	Send4(rs bool, nibble byte) error
	Close() error
}

type LCD struct {
	mu      sync.Mutex
	bus     Bus
	control Control
	width   uint8
	err     error
	sleep   func(time.Duration)
}

func New(bus Bus, width uint8, page1 bool) (*LCD, error) {
	if width == 0 {
		width = 16
	}
	self := &LCD{bus: bus, width: width, sleep: time.Sleep}
	self.init4(page1)
	return self, self.Err()
}

func (self *LCD) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.bus.Close()
}

// Err returns first bus error. Display methods stop talking to bus after error.
func (self *LCD) Err() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.err
}

func (self *LCD) init4(page1 bool) {
	self.sleep(20 * time.Millisecond)

	// special sequence
	self.Command(0x33)
	self.Command(0x32)

	self.SetFunction(false, page1)
	self.SetControl(0) // off
	self.SetControl(ControlOn)
	self.Clear()
	self.SetEntryMode(true, false)
}

func (self *LCD) send(rs bool, b byte) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.err != nil {
		return
	}
	if err := self.bus.Send4(rs, b>>4); err != nil {
		self.err = err
		return
	}
	if err := self.bus.Send4(rs, b&0x0f); err != nil {
		self.err = err
		return
	}
	// TODO poll busy flag
	self.sleep(40 * time.Microsecond)
}

func (self *LCD) Command(c Command) { self.send(false, byte(c)) }

func (self *LCD) Data(b byte) { self.send(true, b) }

func (self *LCD) Write(bs []byte) {
	for _, b := range bs {
		self.Data(b)
	}
}

func (self *LCD) Clear() {
	self.Command(CommandClear)
	self.sleep(2 * time.Millisecond)
}

func (self *LCD) Return() {
	self.Command(CommandReturn)
}

func (self *LCD) SetEntryMode(right, shift bool) {
	var cmd Command = 0x04
	if right {
		cmd |= 0x02
	}
	if shift {
		cmd |= 0x01
	}
	self.Command(cmd)
}

func (self *LCD) Control() Control {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.control
}
func (self *LCD) SetControl(new Control) Control {
	self.mu.Lock()
	old := self.control
	self.control = new
	self.mu.Unlock()
	self.Command(CommandControl | Command(new))
	return old
}

func (self *LCD) SetFunction(bits8, page1 bool) {
	var cmd Command = 0x28
	if bits8 {
		cmd |= 0x10
	}
	if page1 {
		cmd |= 0x02
	}
	self.Command(cmd)
}

// CursorYX moves cursor, row and column start at 1.
func (self *LCD) CursorYX(row uint8, column uint8) bool {
	if !(row > 0 && row <= 2) {
		return false
	}
	if !(column > 0 && column <= self.width) {
		return false
	}
	addr := (row-1)*ddramWidth + (column - 1)
	self.Command(CommandAddress | Command(addr))
	return true
}
