package display

import (
	"bytes"
	"sync"

	"github.com/temoto/roomrelay/log2"
)

// LogDevice is headless display, prints changed rows to log.
type LogDevice struct {
	mu   sync.Mutex
	log  *log2.Log
	rows [2][]byte
	y, x uint8
}

func NewLogDevice(log *log2.Log) *LogDevice { return &LogDevice{log: log} }

func (self *LogDevice) Clear() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.rows[0], self.rows[1] = nil, nil
	self.y, self.x = 1, 1
}

func (self *LogDevice) CursorYX(y, x uint8) bool {
	if y < 1 || y > 2 || x < 1 {
		return false
	}
	self.mu.Lock()
	self.y, self.x = y, x
	self.mu.Unlock()
	return true
}

func (self *LogDevice) Write(b []byte) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.y < 1 || self.y > 2 {
		return
	}
	row := &self.rows[self.y-1]
	prev := append([]byte(nil), *row...)
	pos := int(self.x) - 1
	for len(*row) < pos+len(b) {
		*row = append(*row, ' ')
	}
	copy((*row)[pos:], b)
	self.x += uint8(len(b))
	if !bytes.Equal(prev, *row) && len(bytes.TrimSpace(*row)) != 0 {
		self.log.Infof("display row=%d %q", self.y, *row)
	}
}

func (self *LogDevice) Row(y uint8) string {
	self.mu.Lock()
	defer self.mu.Unlock()
	if y < 1 || y > 2 {
		return ""
	}
	return string(self.rows[y-1])
}

func (self *LogDevice) Close() error { return nil }
