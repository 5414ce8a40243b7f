// Package relay is the ingestion pipeline: transport callback -> bounded Queue -> Worker -> Store.
// Everything is owned by explicitly constructed Relay, there is no package level state.
package relay

import (
	"sync"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/reading"
)

type Options struct {
	QueueCapacity int
	LockWait      time.Duration
	SaveTries     int
	Log           *log2.Log
	// OnUpdate is called by Worker after successful decode, outside of Store lock.
	OnUpdate func(reading.Reading)
}

type Relay struct {
	alive  *alive.Alive
	start  sync.Once
	log    *log2.Log
	queue  *Queue
	store  *Store
	stat   *Stat
	worker *Worker
}

func New(opt Options) *Relay {
	if opt.SaveTries <= 0 {
		opt.SaveTries = DefaultSaveTries
	}
	if opt.LockWait <= 0 {
		opt.LockWait = DefaultLockWait
	}
	r := &Relay{
		alive: alive.NewAlive(),
		log:   opt.Log,
		queue: NewQueue(opt.QueueCapacity),
		store: NewStore(opt.LockWait),
		stat:  new(Stat),
	}
	r.worker = &Worker{
		log:      opt.Log,
		queue:    r.queue,
		store:    r.store,
		stat:     r.stat,
		lockWait: opt.LockWait,
		tries:    opt.SaveTries,
		onUpdate: opt.OnUpdate,
	}
	return r
}

// OnMessage is transport callback. Never blocks: message is dropped with warning when Queue is full.
func (r *Relay) OnMessage(topic string, payload []byte) {
	msg := NewRawMessage(topic, payload)
	r.stat.Received.Add(1)
	r.log.Debugf("relay: received %s", msg.String())
	if !r.queue.TryEnqueue(msg) {
		r.stat.Dropped.Add(1)
		r.log.Warningf("relay: queue is full cap=%d, dropped topic=%s", r.queue.Cap(), msg.Topic)
	}
}

// Start runs Worker in background until Stop.
// Store has one writer: repeated Start is noop.
func (r *Relay) Start() {
	started := false
	r.start.Do(func() {
		started = true
		if !r.alive.Add(1) {
			r.log.Errorf("relay: Start after Stop")
			return
		}
		go func() {
			defer r.alive.Done()
			r.worker.Run(r.alive.StopChan())
		}()
	})
	if !started {
		r.log.Errorf("relay: Start called again, ignored")
	}
}

// Stop asks Worker to exit after current message. Queued messages are abandoned.
func (r *Relay) Stop() { r.alive.Stop() }
func (r *Relay) Wait() { r.alive.Wait() }

func (r *Relay) ReadFormatted() (string, bool) { return r.store.ReadFormatted() }

func (r *Relay) Queue() *Queue   { return r.queue }
func (r *Relay) Store() *Store   { return r.store }
func (r *Relay) Stat() *Stat     { return r.stat }
func (r *Relay) Worker() *Worker { return r.worker }
