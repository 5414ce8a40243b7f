package relay

import (
	"expvar"
	"fmt"
)

// Stat counters are safe for concurrent use.
// Not published by default, see Var().
type Stat struct {
	Received     expvar.Int
	Dropped      expvar.Int // queue full
	Decoded      expvar.Int
	DecodeErrors expvar.Int
	LockTimeouts expvar.Int
}

func (s *Stat) Map() map[string]int64 {
	return map[string]int64{
		"received":      s.Received.Value(),
		"dropped":       s.Dropped.Value(),
		"decoded":       s.Decoded.Value(),
		"decode_errors": s.DecodeErrors.Value(),
		"lock_timeouts": s.LockTimeouts.Value(),
	}
}

// Var is for expvar.Publish().
func (s *Stat) Var() expvar.Var {
	return expvar.Func(func() interface{} { return s.Map() })
}

func (s *Stat) String() string {
	return fmt.Sprintf("received=%d dropped=%d decoded=%d decode_errors=%d lock_timeouts=%d",
		s.Received.Value(), s.Dropped.Value(), s.Decoded.Value(), s.DecodeErrors.Value(), s.LockTimeouts.Value())
}
