package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/upnp-go/pkg/bridge"
	tracelog "github.com/mash-protocol/upnp-go/pkg/log"
	"github.com/mash-protocol/upnp-go/pkg/service"
	"github.com/mash-protocol/upnp-go/pkg/ssdp"
)

// Options holds the controller configuration. Values come from the
// defaults, then the -config file, then flags given on the command line.
type Options struct {
	ConfigFile  string `yaml:"-"`
	LogLevel    string `yaml:"log_level"`
	Interactive bool   `yaml:"interactive"`
	Trace       string `yaml:"trace"`

	SSDPListen    string        `yaml:"ssdp_listen"`
	SearchTarget  string        `yaml:"search_target"`
	MX            int           `yaml:"mx"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Listen        string `yaml:"listen"`
	AdvertiseHost string `yaml:"advertise_host"`

	SubscriptionTimeout time.Duration `yaml:"subscription_timeout"`
	AutoSubscribe       bool          `yaml:"auto_subscribe"`

	MQTT   MQTTOptions   `yaml:"mqtt"`
	Influx InfluxOptions `yaml:"influx"`
}

// MQTTOptions enables the MQTT bridge when Broker is set.
type MQTTOptions struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxOptions enables the InfluxDB recorder when URL is set.
type InfluxOptions struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{
		LogLevel:            "info",
		SSDPListen:          ssdp.DefaultConfig().ListenAddress,
		SearchTarget:        ssdp.SearchAll,
		MX:                  3,
		SweepInterval:       service.DefaultSweepInterval,
		Listen:              ":0",
		SubscriptionTimeout: 30 * time.Minute,
		MQTT: MQTTOptions{
			ClientID:    "upnp-controller",
			TopicPrefix: bridge.DefaultTopicPrefix,
			QoS:         1,
		},
		Influx: InfluxOptions{
			Measurement: bridge.DefaultMeasurement,
		},
	}
}

func (o *Options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "Configuration file path (YAML)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error")
	fs.BoolVar(&o.Interactive, "interactive", o.Interactive, "Enable interactive command mode")
	fs.StringVar(&o.Trace, "trace", o.Trace, "Write a protocol trace to this file")
	fs.StringVar(&o.SSDPListen, "ssdp-listen", o.SSDPListen, "SSDP multicast listen address")
	fs.StringVar(&o.SearchTarget, "search", o.SearchTarget, "Search target sent at startup (empty disables)")
	fs.IntVar(&o.MX, "mx", o.MX, "M-SEARCH MX value in seconds (1-5)")
	fs.DurationVar(&o.SweepInterval, "sweep", o.SweepInterval, "Expiry sweep interval")
	fs.StringVar(&o.Listen, "listen", o.Listen, "Event callback listen address")
	fs.StringVar(&o.AdvertiseHost, "advertise-host", o.AdvertiseHost, "Host put into callback URLs")
	fs.DurationVar(&o.SubscriptionTimeout, "sub-timeout", o.SubscriptionTimeout, "Requested subscription timeout")
	fs.BoolVar(&o.AutoSubscribe, "auto-subscribe", o.AutoSubscribe, "Subscribe to every evented service of new devices")
	fs.StringVar(&o.MQTT.Broker, "mqtt-broker", o.MQTT.Broker, "MQTT broker URL (enables the MQTT bridge)")
	fs.StringVar(&o.MQTT.TopicPrefix, "mqtt-prefix", o.MQTT.TopicPrefix, "MQTT topic prefix")
	fs.StringVar(&o.Influx.URL, "influx-url", o.Influx.URL, "InfluxDB URL (enables event recording)")
	fs.StringVar(&o.Influx.Token, "influx-token", o.Influx.Token, "InfluxDB API token")
	fs.StringVar(&o.Influx.Org, "influx-org", o.Influx.Org, "InfluxDB organization")
	fs.StringVar(&o.Influx.Bucket, "influx-bucket", o.Influx.Bucket, "InfluxDB bucket")
}

// ParseOptions parses command line arguments. Flags given explicitly
// override values read from the -config file.
func ParseOptions(args []string, stderr io.Writer) (*Options, error) {
	opts := DefaultOptions()
	fs := flag.NewFlagSet("upnp-controller", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opts.ConfigFile != "" {
		explicit := map[string]string{}
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

		path := opts.ConfigFile
		opts = DefaultOptions()
		if err := opts.Load(path); err != nil {
			return nil, err
		}
		opts.ConfigFile = path
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, err
			}
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Load reads a YAML file over the current values.
func (o *Options) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the options.
func (o *Options) Validate() error {
	if _, err := parseLevel(o.LogLevel); err != nil {
		return err
	}
	if o.MX < 1 || o.MX > 5 {
		return fmt.Errorf("mx must be between 1 and 5, got %d", o.MX)
	}
	if o.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if o.MQTT.QoS < 0 || o.MQTT.QoS > 2 {
		return bridge.ErrInvalidQoS
	}
	return nil
}

// ServiceConfig maps the options onto a control point configuration.
func (o *Options) ServiceConfig(logger *slog.Logger, trace tracelog.Logger) service.Config {
	config := service.DefaultConfig()
	config.Discovery.ListenAddress = o.SSDPListen
	config.Callback.Address = o.Listen
	config.Callback.AdvertiseHost = o.AdvertiseHost
	config.Subscription.Timeout = o.SubscriptionTimeout
	config.SweepInterval = o.SweepInterval
	config.Logger = logger
	config.ProtocolLogger = trace
	return config
}

// MQTTConfig returns the bridge configuration, or false when the bridge
// is disabled.
func (o *Options) MQTTConfig(logger *slog.Logger) (bridge.MQTTConfig, bool) {
	if o.MQTT.Broker == "" {
		return bridge.MQTTConfig{}, false
	}
	config := bridge.DefaultMQTTConfig()
	config.Broker = o.MQTT.Broker
	if o.MQTT.ClientID != "" {
		config.ClientID = o.MQTT.ClientID
	}
	config.Username = o.MQTT.Username
	config.Password = o.MQTT.Password
	config.TopicPrefix = o.MQTT.TopicPrefix
	config.QoS = byte(o.MQTT.QoS)
	config.Logger = logger
	return config, true
}

// InfluxConfig returns the recorder configuration, or false when
// recording is disabled.
func (o *Options) InfluxConfig(logger *slog.Logger) (bridge.InfluxConfig, bool) {
	if o.Influx.URL == "" {
		return bridge.InfluxConfig{}, false
	}
	config := bridge.DefaultInfluxConfig()
	config.URL = o.Influx.URL
	config.Token = o.Influx.Token
	config.Org = o.Influx.Org
	config.Bucket = o.Influx.Bucket
	if o.Influx.Measurement != "" {
		config.Measurement = o.Influx.Measurement
	}
	config.Logger = logger
	return config, true
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}
