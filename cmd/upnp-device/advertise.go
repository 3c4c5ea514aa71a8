package main

import (
	"errors"
	"log"

	"github.com/koron/go-ssdp"

	"github.com/mash-protocol/upnp-go/internal/upnptest"
)

// target is one NT/USN pair a root device announces.
type target struct {
	NT  string
	USN string
}

// announceTargets lists the notifications of a root device with the
// given services: rootdevice, the bare UDN, the device type, then one
// per service type.
func announceTargets(udn, deviceType string, serviceTypes []string) []target {
	targets := []target{
		{NT: "upnp:rootdevice", USN: udn + "::upnp:rootdevice"},
		{NT: udn, USN: udn},
		{NT: deviceType, USN: udn + "::" + deviceType},
	}
	for _, st := range serviceTypes {
		targets = append(targets, target{NT: st, USN: udn + "::" + st})
	}
	return targets
}

func lightTargets(udn string) []target {
	return announceTargets(udn, upnptest.DimmableLightType,
		[]string{upnptest.SwitchPowerType, upnptest.DimmingType})
}

// advertisers owns one go-ssdp advertiser per target.
type advertisers []*ssdp.Advertiser

func advertise(targets []target, location, server string, maxAge int) (advertisers, error) {
	var ads advertisers
	for _, t := range targets {
		ad, err := ssdp.Advertise(t.NT, t.USN, location, server, maxAge)
		if err != nil {
			ads.close()
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, nil
}

func (ads advertisers) alive() error {
	var errs []error
	for _, ad := range ads {
		errs = append(errs, ad.Alive())
	}
	return errors.Join(errs...)
}

// close sends byebye for every target and releases the sockets.
func (ads advertisers) close() {
	for _, ad := range ads {
		if err := ad.Bye(); err != nil {
			log.Printf("byebye failed: %v", err)
		}
		ad.Close()
	}
}
