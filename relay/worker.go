package relay

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/reading"
)

const DefaultSaveTries = 3

// Worker drains Queue into Store through reading.Decode.
// States: waiting on Queue.Dequeue, processing one message. No terminal state except stop.
type Worker struct {
	log      *log2.Log
	queue    *Queue
	store    *Store
	stat     *Stat
	lockWait time.Duration
	tries    int
	onUpdate func(reading.Reading)
}

// Run returns only after stop is closed.
func (w *Worker) Run(stop <-chan struct{}) {
	for {
		msg, ok := w.queue.Dequeue(stop)
		if !ok {
			return
		}
		if err := w.Process(msg); err != nil {
			w.log.Errorf("relay: drop %s err=%v", msg.String(), err)
		}
	}
}

// Process saves one message into Store.
// Store lock is released on every path; formatted value changes only on successful decode.
func (w *Worker) Process(msg RawMessage) error {
	for try := 1; try <= w.tries; try++ {
		if !w.store.TryLock(w.lockWait) {
			w.stat.LockTimeouts.Add(1)
			w.log.Debugf("relay: store lock timeout try=%d/%d", try, w.tries)
			continue
		}
		r, err := w.saveLocked(msg)
		if err != nil {
			w.stat.DecodeErrors.Add(1)
			return err
		}
		w.stat.Decoded.Add(1)
		if w.onUpdate != nil {
			w.onUpdate(r)
		}
		return nil
	}
	return errors.Timeoutf("store lock tries=%d wait=%v", w.tries, w.lockWait)
}

func (w *Worker) saveLocked(msg RawMessage) (reading.Reading, error) {
	defer w.store.Unlock()
	w.store.locked_setRaw(msg)
	r, err := reading.Decode(msg.Payload)
	if err != nil {
		return r, errors.Annotate(err, "decode")
	}
	w.store.locked_setReading(r)
	return r, nil
}
