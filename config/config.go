// Package config reads HCL configuration with include support.
package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/roomrelay/hardware/lcd"
	"github.com/temoto/roomrelay/helpers"
	"github.com/temoto/roomrelay/log2"
)

const (
	TransportGomqtt = "gomqtt"
	TransportPaho   = "paho"

	DriverLog  = "log"
	DriverGpio = "gpio"
	DriverI2c  = "i2c"

	DefaultTopic = "/room_meas"
	DefaultQos   = 1
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool          `hcl:"log_debug"`
	Relay    RelayConfig   `hcl:"relay"`
	Mqtt     MqttConfig    `hcl:"mqtt"`
	Display  DisplayConfig `hcl:"display"`
	Status   StatusConfig  `hcl:"status"`
	Persist  struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	_copy_guard sync.Mutex //nolint:unused
}

type RelayConfig struct {
	QueueCapacity int `hcl:"queue_capacity"`
	LockWaitMs    int `hcl:"lock_wait_ms"`
	SaveTries     int `hcl:"save_tries"`
}

type MqttConfig struct { //nolint:maligned
	Transport         string `hcl:"transport"`
	Broker            string `hcl:"broker"`
	Topic             string `hcl:"topic"`
	Qos               *int   `hcl:"qos"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	TlsCertFile       string `hcl:"tls_cert_file"`
	TlsKeyFile        string `hcl:"tls_key_file"`
	LogDebug          bool   `hcl:"log_debug"`
}

type DisplayConfig struct { //nolint:maligned
	Enable          bool       `hcl:"enable"`
	Driver          string     `hcl:"driver"`
	Width           int        `hcl:"width"`
	Codepage        string     `hcl:"codepage"`
	PollIntervalSec int        `hcl:"poll_interval_sec"`
	ScrollDelayMs   int        `hcl:"scroll_delay_ms"`
	PinChip         string     `hcl:"pin_chip"`
	Pinmap          lcd.PinMap `hcl:"pinmap"`
	Page1           bool       `hcl:"page1"`
	I2cBus          string     `hcl:"i2c_bus"`
	I2cAddr         int        `hcl:"i2c_addr"`
}

type StatusConfig struct {
	Listen       string `hcl:"listen"`
	MdnsEnable   bool   `hcl:"mdns_enable"`
	MdnsInstance string `hcl:"mdns_instance"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *RelayConfig) LockWait() time.Duration {
	return helpers.IntMillisecondDefault(c.LockWaitMs, 50*time.Millisecond)
}
func (c *RelayConfig) Capacity() int { return helpers.IntDefault(c.QueueCapacity, 10) }
func (c *RelayConfig) Tries() int    { return helpers.IntDefault(c.SaveTries, 3) }

func (c *MqttConfig) TransportName() string {
	if c.Transport == "" {
		return TransportGomqtt
	}
	return c.Transport
}
func (c *MqttConfig) TopicName() string {
	if c.Topic == "" {
		return DefaultTopic
	}
	return c.Topic
}
func (c *MqttConfig) QosLevel() int {
	if c.Qos == nil {
		return DefaultQos
	}
	return *c.Qos
}
func (c *MqttConfig) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, 60*time.Second)
}
func (c *MqttConfig) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, 30*time.Second)
}
func (c *MqttConfig) ConnectTimeout() time.Duration {
	return helpers.IntSecondDefault(c.ConnectTimeoutSec, 10*time.Second)
}

func (c *DisplayConfig) DriverName() string {
	if c.Driver == "" {
		return DriverLog
	}
	return c.Driver
}
func (c *DisplayConfig) LineWidth() int { return helpers.IntDefault(c.Width, 16) }
func (c *DisplayConfig) PollInterval() time.Duration {
	return helpers.IntSecondDefault(c.PollIntervalSec, 10*time.Second)
}
func (c *DisplayConfig) ScrollDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.ScrollDelayMs, 500*time.Millisecond)
}
func (c *DisplayConfig) I2cAddress() uint16 {
	if c.I2cAddr == 0 {
		return 0x27
	}
	return uint16(c.I2cAddr)
}

func (c *StatusConfig) Instance() string {
	if c.MdnsInstance == "" {
		return "roomrelay"
	}
	return c.MdnsInstance
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	switch c.Mqtt.TransportName() {
	case TransportGomqtt, TransportPaho:
	default:
		errs = append(errs, errors.NotValidf("mqtt.transport=%s", c.Mqtt.Transport))
	}
	if q := c.Mqtt.QosLevel(); q < 0 || q > 1 {
		errs = append(errs, errors.NotValidf("mqtt.qos=%d (supported 0,1)", q))
	}
	if (c.Mqtt.TlsCertFile == "") != (c.Mqtt.TlsKeyFile == "") {
		errs = append(errs, errors.NotValidf("mqtt tls_cert_file and tls_key_file must be set together"))
	}
	if c.Display.Enable {
		switch c.Display.DriverName() {
		case DriverLog, DriverGpio, DriverI2c:
		default:
			errs = append(errs, errors.NotValidf("display.driver=%s", c.Display.Driver))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		errs = append(errs, c.Validate())
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
