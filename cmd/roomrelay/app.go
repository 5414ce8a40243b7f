package main

import (
	"context"
	"expvar"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/roomrelay/config"
	"github.com/temoto/roomrelay/display"
	"github.com/temoto/roomrelay/hardware/text_display"
	"github.com/temoto/roomrelay/link"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/relay"
	"github.com/temoto/roomrelay/status"
)

const shutdownTimeout = 5 * time.Second

var publishStatOnce sync.Once

type app struct {
	log     *log2.Log
	config  *config.Config
	onReady func()

	persist relay.Persist
	relay   *relay.Relay
	link    link.Linker
	td      *text_display.TextDisplay
	tdDev   io.Closer
	poller  *display.Poller
	status  *status.Server
}

// run starts all parts, blocks until ctx is done, then stops in reverse order.
// Broker connection failure within connect timeout is fatal.
func (self *app) run(ctx context.Context) error {
	defer self.stop()
	if err := self.start(); err != nil {
		return err
	}
	if self.onReady != nil {
		self.onReady()
	}
	self.log.Infof("running")
	<-ctx.Done()
	return nil
}

func (self *app) start() error {
	cfg := self.config
	if err := self.persist.Init("reading", cfg.Persist.Root, self.log); err != nil {
		return errors.Annotate(err, "persist")
	}
	self.relay = relay.New(relay.Options{
		QueueCapacity: cfg.Relay.Capacity(),
		LockWait:      cfg.Relay.LockWait(),
		SaveTries:     cfg.Relay.Tries(),
		Log:           self.log,
		OnUpdate:      self.persist.Notify,
	})
	publishStatOnce.Do(func() { expvar.Publish("relay", self.relay.Stat().Var()) })
	if v, ok, err := self.persist.Load(); err != nil {
		self.log.Errorf("persist load err=%v", err)
	} else if ok {
		self.relay.Store().Restore(v)
		self.log.Infof("restored reading %q updated=%s", v.Formatted, v.Updated.Format(time.RFC3339))
	}
	go self.persist.Run()

	opt, err := link.OptionsFromConfig(&cfg.Mqtt, self.relay.OnMessage, self.log)
	if err != nil {
		return errors.Annotate(err, "mqtt")
	}
	l, err := link.New(cfg.Mqtt.TransportName(), opt)
	if err != nil {
		return errors.Annotate(err, "mqtt")
	}
	self.link = l
	if err = l.Start(context.Background()); err != nil {
		return errors.Annotate(err, "mqtt")
	}
	if err = link.WaitConnected(l, cfg.Mqtt.ConnectTimeout()); err != nil {
		return errors.Annotatef(err, "mqtt broker=%s", cfg.Mqtt.Broker)
	}
	// messages received before this point wait in queue
	self.relay.Start()

	if cfg.Display.Enable {
		td, dev, err := display.Open(&cfg.Display, self.log)
		if err != nil {
			return err
		}
		self.td, self.tdDev = td, dev
		go td.Run()
		self.poller = display.NewPoller(self.relay, td, cfg.Display.PollInterval(), cfg.Display.LineWidth(), self.log)
		go self.poller.Run()
	}

	if cfg.Status.Listen != "" {
		self.status = status.NewServer(self.relay.Store(), l, self.log)
		if err = self.status.Start(cfg.Status.Listen); err != nil {
			return errors.Annotate(err, "status")
		}
		if cfg.Status.MdnsEnable {
			if err = self.status.Advertise(cfg.Status.Instance()); err != nil {
				// display and data path keep working without discovery
				self.log.Errorf("status mdns err=%v", err)
			}
		}
	}
	return nil
}

func (self *app) stop() {
	if self.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := self.status.Close(ctx); err != nil {
			self.log.Errorf("status close err=%v", err)
		}
		cancel()
	}
	if self.poller != nil {
		self.poller.Stop()
	}
	if self.td != nil {
		self.td.Stop()
		self.td.Clear()
	}
	if self.tdDev != nil {
		if err := self.tdDev.Close(); err != nil {
			self.log.Errorf("display close err=%v", err)
		}
	}
	if self.link != nil {
		if err := self.link.Close(); err != nil {
			self.log.Errorf("mqtt close err=%v", err)
		}
	}
	if self.relay != nil {
		self.relay.Stop()
		self.relay.Wait()
		self.log.Infof("relay stat %s", self.relay.Stat().String())
	}
	self.persist.Stop()
}
