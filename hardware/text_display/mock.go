package text_display

import (
	"fmt"
	"sync"
)

func NewMockTextDisplay(opt *TextDisplayConfig) (*TextDisplay, *MockDevicer) {
	dev := new(MockDevicer)
	display, err := NewTextDisplay(opt)
	if err != nil {
		panic(err)
	}
	display.dev = dev
	return display, dev
}

// MockDevicer emulates two rows of display memory.
type MockDevicer struct {
	mu     sync.Mutex
	l1     []byte
	l2     []byte
	y, x   uint8
	writes int
}

func (self *MockDevicer) Clear() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.l1 = nil
	self.l2 = nil
}

func (self *MockDevicer) CursorYX(y, x uint8) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.y, self.x = y, x
	return true
}

func (self *MockDevicer) Write(b []byte) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.writes++
	var row *[]byte
	switch self.y {
	case 1:
		row = &self.l1
	case 2:
		row = &self.l2
	default:
		return
	}
	pos := int(self.x) - 1
	if pos < 0 {
		pos = 0
	}
	for len(*row) < pos+len(b) {
		*row = append(*row, ' ')
	}
	copy((*row)[pos:], b)
	self.x += uint8(len(b))
}

func (self *MockDevicer) Writes() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.writes
}

func (self *MockDevicer) String() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return fmt.Sprintf("%s\n%s", string(self.l1), string(self.l2))
}
