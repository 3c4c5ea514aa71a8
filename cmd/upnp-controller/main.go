// Command upnp-controller runs a UPnP control point on the local network.
//
// It discovers devices over SSDP, builds their descriptions, and can
// subscribe to their events and invoke their actions. Device presence and
// events can be mirrored to an MQTT broker and recorded in InfluxDB.
//
// Usage:
//
//	upnp-controller [flags]
//
// Flags:
//
//	-config string          Configuration file path (YAML)
//	-log-level string       Log level: debug, info, warn, error (default "info")
//	-interactive            Enable interactive command mode
//	-trace string           Write a protocol trace to this file
//	-search string          Search target sent at startup (default "ssdp:all")
//	-listen string          Event callback listen address (default ":0")
//	-advertise-host string  Host put into callback URLs
//	-auto-subscribe         Subscribe to every evented service of new devices
//	-mqtt-broker string     MQTT broker URL (enables the MQTT bridge)
//	-influx-url string      InfluxDB URL (enables event recording)
//
// Examples:
//
//	# Browse the network interactively
//	upnp-controller -interactive
//
//	# Mirror everything to a local broker and keep a trace
//	upnp-controller -auto-subscribe -mqtt-broker tcp://localhost:1883 -trace cp.ulog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mash-protocol/upnp-go/cmd/upnp-controller/interactive"
	"github.com/mash-protocol/upnp-go/pkg/bridge"
	"github.com/mash-protocol/upnp-go/pkg/device"
	tracelog "github.com/mash-protocol/upnp-go/pkg/log"
	"github.com/mash-protocol/upnp-go/pkg/service"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

func main() {
	opts, err := ParseOptions(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(opts.LogLevel)

	log.Println("UPnP Control Point")
	log.Println("==================")

	var sinks []tracelog.Logger
	if opts.Trace != "" {
		fl, err := tracelog.NewFileLogger(opts.Trace)
		if err != nil {
			log.Fatalf("Failed to open trace file: %v", err)
		}
		defer fl.Close()
		sinks = append(sinks, fl)
		log.Printf("Tracing to %s", opts.Trace)
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		sinks = append(sinks, tracelog.NewSlogAdapter(logger))
	}
	var trace tracelog.Logger
	if len(sinks) > 0 {
		trace = tracelog.NewMultiLogger(sinks...)
	}

	cp, err := service.New(opts.ServiceConfig(logger, trace))
	if err != nil {
		log.Fatalf("Failed to create control point: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cp.OnDeviceAdded(func(dev *device.Device) {
		log.Printf("Device added: %s (%s)", dev.FriendlyName, dev.UDN)
		if opts.AutoSubscribe {
			go subscribeAll(ctx, cp, dev)
		}
	})
	cp.OnDeviceRemoved(func(dev *device.Device) {
		log.Printf("Device removed: %s (%s)", dev.FriendlyName, dev.UDN)
	})

	if mqttConfig, ok := opts.MQTTConfig(logger); ok {
		client, err := bridge.DialMQTT(mqttConfig)
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer bridge.CloseMQTT(client, mqttConfig)
		bridge.NewMQTTPublisher(client, mqttConfig).Attach(cp)
		log.Printf("Publishing to %s under %s/", mqttConfig.Broker, mqttConfig.TopicPrefix)
	}

	if influxConfig, ok := opts.InfluxConfig(logger); ok {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		recorder, err := bridge.ConnectInflux(pingCtx, influxConfig)
		pingCancel()
		if err != nil {
			log.Fatalf("Failed to connect to InfluxDB: %v", err)
		}
		defer recorder.Close()
		recorder.Attach(cp)
		log.Printf("Recording events to %s bucket %s", influxConfig.URL, influxConfig.Bucket)
	}

	if err := cp.Run(ctx); err != nil {
		log.Fatalf("Failed to start control point: %v", err)
	}
	log.Printf("Control point running, callbacks at %s", cp.CallbackURL())

	if opts.SearchTarget != "" {
		if err := cp.Search(opts.SearchTarget, opts.MX); err != nil {
			log.Printf("Search failed: %v", err)
		}
	}

	if opts.Interactive {
		shell, err := interactive.New(cp)
		if err != nil {
			log.Fatalf("Failed to create interactive shell: %v", err)
		}
		// Redirect log output through readline to avoid interfering with input
		log.SetOutput(shell.Stdout())
		go shell.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")

	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()
	if err := cp.Finish(finishCtx); err != nil {
		log.Printf("Error finishing control point: %v", err)
	}
	cancel()

	log.Println("Goodbye!")
}

// setupLogging routes slog through the standard logger so redirecting
// log output also moves component logs.
func setupLogging(level string) *slog.Logger {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	lvl, _ := parseLevel(level)
	if lvl == slog.LevelDebug {
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	}
	slog.SetLogLoggerLevel(lvl)
	return slog.Default()
}

func subscribeAll(ctx context.Context, cp *service.ControlPoint, dev *device.Device) {
	for _, svc := range dev.AllServices() {
		if svc.EventSubURL == "" {
			continue
		}
		subCtx, cancel := context.WithTimeout(ctx, interactive.CallTimeout)
		sub, err := cp.Subscribe(subCtx, svc.Device().UDN, svc.ServiceID, logNotification)
		cancel()
		if err != nil {
			log.Printf("Subscribe %s %s failed: %v", dev.UDN, svc.ServiceID, err)
			continue
		}
		log.Printf("Subscribed %s %s (%s)", dev.UDN, svc.ServiceID, sub.SID())
	}
}

func logNotification(sub *subscription.Subscriber, n *subscription.Notification, err error) {
	if err != nil {
		log.Printf("Bad notification for %s: %v", sub.ServiceID, err)
		return
	}
	log.Printf("Event %s seq %d: %v", n.ServiceID, n.Seq, n.Map())
}
