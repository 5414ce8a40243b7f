package helpers

// Signal is edge trigger with capacity 1: Set() never blocks, repeated Set() before Wait collapse.
type Signal chan struct{}

func NewSignal() Signal { return make(chan struct{}, 1) }

func (s Signal) Set() {
	select {
	case s <- struct{}{}:
	default:
	}
}
