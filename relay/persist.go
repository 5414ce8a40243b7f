package relay

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/extremofile"
	"github.com/temoto/roomrelay/helpers"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/reading"
)

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Persist keeps last formatted reading across restarts.
// Writes happen in own goroutine, Notify never blocks Worker.
// Zero value is disabled: Load returns nothing, Notify is noop.
type Persist struct {
	mu      sync.Mutex
	alive   *alive.Alive
	log     *log2.Log
	tag     string
	storage storage
	latest  Saved
	dirty   bool
	signal  helpers.Signal
}

func (p *Persist) Init(tag string, root string, log *log2.Log) error {
	p.tag = tag
	p.log = log
	if root == "" {
		p.log.Debugf("persist %s disabled", p.tag)
		return nil
	}
	p.setStorage(extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	}))
	return nil
}

func (p *Persist) setStorage(s storage) {
	p.storage = s
	p.alive = alive.NewAlive()
	p.signal = helpers.NewSignal()
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load returns last stored reading, ok=false when nothing was stored.
func (p *Persist) Load() (Saved, bool, error) {
	if !p.Enabled() {
		return Saved{}, false, nil
	}
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if len(b) == 0 {
		return Saved{}, false, errors.Annotatef(err, "persist %s Load", p.tag)
	}
	if err != nil {
		p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
	}
	var v Saved
	if err = json.Unmarshal(b, &v); err != nil {
		return Saved{}, false, errors.Annotatef(err, "persist %s Load decode", p.tag)
	}
	v.Formatted = reading.Bound(v.Formatted, reading.FormattedMaxLen)
	return v, v.Formatted != "", nil
}

// Notify is relay.Options.OnUpdate.
func (p *Persist) Notify(r reading.Reading) {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	p.latest = Saved{
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Pressure:    r.Pressure,
		Formatted:   r.Formatted,
		Updated:     time.Now(),
	}
	p.dirty = true
	p.mu.Unlock()
	p.signal.Set()
}

// Run writes notified values until Stop. Final pending value is flushed before return.
func (p *Persist) Run() {
	if !p.Enabled() || !p.alive.Add(1) {
		return
	}
	defer p.alive.Done()
	stopch := p.alive.StopChan()
	for {
		select {
		case <-p.signal:
			p.flush()
		case <-stopch:
			p.flush()
			return
		}
	}
}

func (p *Persist) Stop() {
	if p.Enabled() {
		p.alive.Stop()
		p.alive.Wait()
	}
}

func (p *Persist) flush() {
	p.mu.Lock()
	v, dirty := p.latest, p.dirty
	p.dirty = false
	p.mu.Unlock()
	if !dirty {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Errorf("persist %s encode err=%v", p.tag, err)
		return
	}
	tbegin := time.Now()
	_, err = p.storage.Write(b)
	p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	if err != nil {
		p.log.Errorf("persist %s store err=%v", p.tag, err)
	}
}
