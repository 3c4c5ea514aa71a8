// Package bridge forwards control point activity to external systems.
//
// MQTTPublisher mirrors device presence and event notifications to an
// MQTT broker through paho. InfluxRecorder stores notified state variables
// as InfluxDB points. Both attach to a control point through its observer
// hooks:
//
//	client, err := bridge.DialMQTT(bridge.DefaultMQTTConfig())
//	bridge.NewMQTTPublisher(client, config).Attach(cp)
package bridge

import (
	"github.com/mash-protocol/upnp-go/pkg/service"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

// Observable is the observer surface of a control point.
type Observable interface {
	OnDeviceAdded(handler service.DeviceHandler)
	OnDeviceRemoved(handler service.DeviceHandler)
	OnNotification(handler subscription.Handler)
}

var _ Observable = (*service.ControlPoint)(nil)
