package relay

import (
	"time"

	"github.com/temoto/roomrelay/reading"
)

const DefaultLockWait = 50 * time.Millisecond

// Store keeps latest raw message and its decoded representation.
// One lock guards everything; Worker is the only writer.
// Lock is a channel semaphore so every acquisition can be bounded in time.
type Store struct {
	lock     chan struct{}
	lockWait time.Duration

	// guarded by lock
	topic     string
	payload   string
	formatted string
	reading   reading.Reading
	updated   time.Time
	version   uint64
}

// Snapshot is a consistent copy of Store taken under lock.
type Snapshot struct {
	Topic       string    `json:"topic"`
	Payload     string    `json:"payload"`
	Formatted   string    `json:"formatted"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	Updated     time.Time `json:"updated"`
	Version     uint64    `json:"version"`
}

func NewStore(lockWait time.Duration) *Store {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Store{
		lock:     make(chan struct{}, 1),
		lockWait: lockWait,
	}
}

func (s *Store) LockWait() time.Duration { return s.lockWait }

// TryLock waits at most `wait` for exclusive access.
func (s *Store) TryLock(wait time.Duration) bool {
	select {
	case s.lock <- struct{}{}:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}
	tmr := time.NewTimer(wait)
	defer tmr.Stop()
	select {
	case s.lock <- struct{}{}:
		return true
	case <-tmr.C:
		return false
	}
}

func (s *Store) Unlock() {
	select {
	case <-s.lock:
	default:
		panic("code error relay.Store.Unlock without lock")
	}
}

// ReadFormatted returns copy of current formatted reading.
// false means lock was not acquired within LockWait, caller should poll again later.
func (s *Store) ReadFormatted() (string, bool) {
	if !s.TryLock(s.lockWait) {
		return "", false
	}
	f := s.formatted
	s.Unlock()
	return f, true
}

// Snapshot has same wait policy as ReadFormatted.
func (s *Store) Snapshot() (Snapshot, bool) {
	if !s.TryLock(s.lockWait) {
		return Snapshot{}, false
	}
	defer s.Unlock()
	return Snapshot{
		Topic:       s.topic,
		Payload:     s.payload,
		Formatted:   s.formatted,
		Temperature: s.reading.Temperature,
		Humidity:    s.reading.Humidity,
		Pressure:    s.reading.Pressure,
		Updated:     s.updated,
		Version:     s.version,
	}, true
}

// Saved is persisted form of last decoded reading.
type Saved struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	Formatted   string    `json:"formatted"`
	Updated     time.Time `json:"updated"`
}

func (v Saved) Reading() reading.Reading {
	return reading.Reading{
		Temperature: v.Temperature,
		Humidity:    v.Humidity,
		Pressure:    v.Pressure,
		Formatted:   v.Formatted,
	}
}

// Restore seeds decoded values, used at startup before Worker runs.
// Version stays 0: nothing was received by this process yet.
func (s *Store) Restore(v Saved) bool {
	if !s.TryLock(s.lockWait) {
		return false
	}
	s.reading = v.Reading()
	s.formatted = reading.Bound(v.Formatted, reading.FormattedMaxLen)
	s.updated = v.Updated
	s.Unlock()
	return true
}

// Caller must hold lock.
func (s *Store) locked_setRaw(m RawMessage) {
	s.topic = reading.Bound(m.Topic, TopicMaxLen)
	s.payload = reading.Bound(m.Payload, PayloadMaxLen)
}

// Caller must hold lock.
func (s *Store) locked_setReading(r reading.Reading) {
	s.reading = r
	s.formatted = reading.Bound(r.Formatted, reading.FormattedMaxLen)
	s.updated = time.Now()
	s.version++
}
