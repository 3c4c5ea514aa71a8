package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds the simulator configuration.
type Options struct {
	ConfigFile    string        `yaml:"-"`
	Listen        string        `yaml:"listen"`
	AdvertiseHost string        `yaml:"advertise_host"`
	Name          string        `yaml:"name"`
	UDN           string        `yaml:"udn"`
	MaxAge        int           `yaml:"max_age"`
	Simulate      time.Duration `yaml:"simulate"`
}

// ParseOptions reads flags and the -config file. Flags set on the
// command line override the file.
func ParseOptions(args []string, stderr io.Writer) (*Options, error) {
	opts := &Options{Listen: ":8080", MaxAge: 1800}

	fs := flag.NewFlagSet("upnp-device", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.ConfigFile, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&opts.Listen, "listen", opts.Listen, "HTTP listen address")
	fs.StringVar(&opts.AdvertiseHost, "advertise-host", "", "Host put into the LOCATION URL")
	fs.StringVar(&opts.Name, "name", "", "Friendly name")
	fs.StringVar(&opts.UDN, "udn", "", "Device UDN (default: random)")
	fs.IntVar(&opts.MaxAge, "max-age", opts.MaxAge, "SSDP max-age in seconds")
	fs.DurationVar(&opts.Simulate, "simulate", 0, "Ramp the load level at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opts.ConfigFile != "" {
		explicit := map[string]string{}
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, opts); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", opts.ConfigFile, err)
		}
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, err
			}
		}
	}

	if opts.MaxAge < 60 {
		return nil, fmt.Errorf("max-age must be at least 60 seconds, got %d", opts.MaxAge)
	}
	return opts, nil
}
