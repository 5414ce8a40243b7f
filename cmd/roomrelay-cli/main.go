package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/roomrelay/config"
	"github.com/temoto/roomrelay/display"
	"github.com/temoto/roomrelay/helpers/cli"
	"github.com/temoto/roomrelay/link"
	"github.com/temoto/roomrelay/log2"
	"github.com/temoto/roomrelay/relay"
)

const usage = `syntax: one command per line
(main)
- {...}       decode JSON payload through local relay, show formatted reading
- show        show latest reading
- lcd         show latest reading split into display lines
- stat        show relay counters
- pub {...}   publish JSON payload to broker topic, requires -broker
- pub         publish sample reading to broker topic

(meta)
- log=yes     enable debug logging
- log=no      disable debug logging
`

const samplePayload = `{"temperature":2340,"humidity":46285,"pressure":25939200}`

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	broker := cmdline.String("broker", "", "MQTT broker URL for pub, example tcp://127.0.0.1:1883")
	topic := cmdline.String("topic", config.DefaultTopic, "")
	transport := cmdline.String("transport", config.TransportGomqtt, "gomqtt|paho")
	width := cmdline.Int("width", 16, "display line width for lcd")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	r := relay.New(relay.Options{Log: log})
	t := &tool{log: log, out: os.Stdout, relay: r, topic: *topic, width: *width}
	if *broker != "" {
		l, err := link.New(*transport, link.Options{
			Broker:    *broker,
			Topic:     *topic,
			OnMessage: r.OnMessage,
			Log:       log,
		})
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		if err = l.Start(context.Background()); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		defer l.Close()
		t.link = l
	}
	r.Start()
	defer r.Stop()

	cli.MainLoop("roomrelay-cli", t.exec, t.complete)
}

type tool struct {
	log   *log2.Log
	out   io.Writer
	relay *relay.Relay
	link  link.Linker
	topic string
	width int
}

var suggests = []prompt.Suggest{
	{Text: "show", Description: "show latest reading"},
	{Text: "lcd", Description: "show reading split into display lines"},
	{Text: "stat", Description: "show relay counters"},
	{Text: "pub", Description: "publish payload to broker"},
	{Text: "log=yes", Description: "enable debug logging"},
	{Text: "log=no", Description: "disable debug logging"},
	{Text: "help", Description: "show usage"},
}

func (t *tool) complete(d prompt.Document) []prompt.Suggest {
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

func (t *tool) exec(line string) {
	if err := t.do(strings.TrimSpace(line)); err != nil {
		t.log.Error(errors.ErrorStack(err))
	}
}

func (t *tool) do(line string) error {
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "{"):
		return t.feed(line)
	case line == "show":
		return t.show()
	case line == "lcd":
		s, ok := t.relay.ReadFormatted()
		if !ok {
			return errors.Timeoutf("store lock")
		}
		l1, l2 := display.Split(s, t.width)
		fmt.Fprintf(t.out, "|%-*s|\n|%-*s|\n", t.width, l1, t.width, l2)
		return nil
	case line == "stat":
		fmt.Fprintln(t.out, t.relay.Stat().String())
		return nil
	case line == "pub" || strings.HasPrefix(line, "pub "):
		payload := strings.TrimSpace(strings.TrimPrefix(line, "pub"))
		if payload == "" {
			payload = samplePayload
		}
		return t.publish(payload)
	case line == "log=yes":
		t.log.SetLevel(log2.LDebug)
		return nil
	case line == "log=no":
		t.log.SetLevel(log2.LInfo)
		return nil
	case line == "help":
		fmt.Fprint(t.out, usage)
		return nil
	}
	return errors.NotValidf("command %q, try help", line)
}

// feed runs payload through the same Worker step as broker messages, synchronously.
func (t *tool) feed(payload string) error {
	t.relay.Stat().Received.Add(1)
	if err := t.relay.Worker().Process(relay.NewRawMessage("cli", []byte(payload))); err != nil {
		return err
	}
	return t.show()
}

func (t *tool) show() error {
	snap, ok := t.relay.Store().Snapshot()
	if !ok {
		return errors.Timeoutf("store lock")
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Annotate(err, "show")
	}
	fmt.Fprintf(t.out, "%s\n", b)
	return nil
}

func (t *tool) publish(payload string) error {
	if t.link == nil {
		return errors.NotValidf("pub without -broker")
	}
	if !json.Valid([]byte(payload)) {
		return errors.NotValidf("payload JSON")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.link.WaitConnected(ctx); err != nil {
		return errors.Annotate(err, "pub")
	}
	if err := t.link.Publish(ctx, t.topic, []byte(payload)); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "published topic=%s\n", t.topic)
	return nil
}
