// Command upnp-device serves a simulated dimmable light on the network.
//
// The light exposes SwitchPower and Dimming services with description,
// SCPD, SOAP control and GENA eventing endpoints, and announces itself
// over SSDP. It is a peer for exercising upnp-controller.
//
// Usage:
//
//	upnp-device [flags]
//
// Flags:
//
//	-listen string          HTTP listen address (default ":8080")
//	-advertise-host string  Host put into the LOCATION URL
//	-name string            Friendly name
//	-udn string             Device UDN (default: random)
//	-max-age int            SSDP max-age in seconds (default 1800)
//	-simulate duration      Ramp the load level at this interval (0 disables)
//	-config string          Configuration file path (YAML)
//
// Examples:
//
//	# A light that changes level every two seconds
//	upnp-device -name "Desk Lamp" -simulate 2s
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mash-protocol/upnp-go/internal/upnptest"
	"github.com/mash-protocol/upnp-go/pkg/transport"
)

const serverHeader = "upnp-go/1.0 UPnP/1.1 upnp-device/1.0"

func main() {
	opts, err := ParseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("UPnP Simulated Light")
	log.Println("====================")

	var deviceOpts []upnptest.Option
	if opts.UDN != "" {
		deviceOpts = append(deviceOpts, upnptest.WithUDN(opts.UDN))
	}
	if opts.Name != "" {
		deviceOpts = append(deviceOpts, upnptest.WithFriendlyName(opts.Name))
	}
	light := upnptest.NewDevice(deviceOpts...)

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	server := &http.Server{Handler: light.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server: %v", err)
		}
	}()

	location, err := descriptionURL(opts.AdvertiseHost, ln.Addr())
	if err != nil {
		log.Fatalf("Failed to determine location: %v", err)
	}
	log.Printf("Device %s at %s", light.UDN(), location)

	ads, err := advertise(lightTargets(light.UDN()), location, serverHeader, opts.MaxAge)
	if err != nil {
		log.Fatalf("Failed to advertise: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Duration(opts.MaxAge) * time.Second / 2)
		defer ticker.Stop()
		for {
			if err := ads.alive(); err != nil {
				log.Printf("alive failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	if opts.Simulate > 0 {
		go runSimulation(ctx, light, opts.Simulate)
		log.Printf("[SIM] Simulation started (every %s)", opts.Simulate)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	log.Println("Shutting down...")
	cancel()
	ads.close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}

	log.Println("Goodbye!")
}

// descriptionURL builds the LOCATION URL from the listen address. An
// unspecified listen host is replaced by host, or by the first
// non-loopback IPv4 address.
func descriptionURL(host string, addr net.Addr) (string, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected listen address %v", addr)
	}
	if host == "" {
		if !tcp.IP.IsUnspecified() {
			host = tcp.IP.String()
		} else {
			ip, err := transport.LocalIPv4()
			if err != nil {
				return "", err
			}
			host = ip.String()
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(tcp.Port)) + "/description.xml", nil
}
