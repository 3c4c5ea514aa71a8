package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

// MQTT errors.
var (
	ErrMQTTConnect = errors.New("bridge: mqtt connection failed")
	ErrMQTTPublish = errors.New("bridge: mqtt publish failed")
	ErrInvalidQoS  = errors.New("bridge: invalid QoS level (must be 0, 1, or 2)")
)

// MQTT defaults.
const (
	DefaultTopicPrefix    = "upnp"
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second

	disconnectQuiesce = 250 // milliseconds
)

// Publisher is the part of a paho client the bridge publishes through.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	// Broker is the broker URL, such as "tcp://localhost:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// TopicPrefix is prepended to every topic.
	TopicPrefix string

	QoS byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// Clock stamps payloads. Nil means time.Now.
	Clock func() time.Time

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultMQTTConfig returns the standard MQTT bridge configuration.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ClientID:       "upnp-controller",
		TopicPrefix:    DefaultTopicPrefix,
		QoS:            1,
		ConnectTimeout: DefaultConnectTimeout,
		PublishTimeout: DefaultPublishTimeout,
	}
}

// Validate checks the configuration.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("%w: broker must be set", ErrMQTTConnect)
	}
	if c.QoS > 2 {
		return ErrInvalidQoS
	}
	return nil
}

// DialMQTT connects a paho client with auto-reconnect.
func DialMQTT(config MQTTConfig) (pahomqtt.Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetWill(statusTopic(config.TopicPrefix), `{"online":false}`, config.QoS, true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}
	client.Publish(statusTopic(config.TopicPrefix), config.QoS, true, []byte(`{"online":true}`))
	return client, nil
}

// CloseMQTT marks the bridge offline and disconnects.
func CloseMQTT(client pahomqtt.Client, config MQTTConfig) {
	if client.IsConnected() {
		token := client.Publish(statusTopic(config.TopicPrefix), config.QoS, true, []byte(`{"online":false}`))
		token.WaitTimeout(DefaultPublishTimeout)
	}
	client.Disconnect(disconnectQuiesce)
}

// DeviceState is the retained payload of a device topic.
type DeviceState struct {
	UDN          string    `json:"udn"`
	Online       bool      `json:"online"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	DeviceType   string    `json:"device_type,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	ModelName    string    `json:"model_name,omitempty"`
	Location     string    `json:"location,omitempty"`
	Services     []string  `json:"services,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventMessage is the payload of an event topic.
type EventMessage struct {
	SID        string            `json:"sid"`
	Seq        uint32            `json:"seq"`
	Properties map[string]string `json:"properties"`
	Timestamp  time.Time         `json:"timestamp"`
}

// MQTTPublisher mirrors devices and notifications to MQTT topics:
//
//	<prefix>/device/<udn>               retained DeviceState
//	<prefix>/event/<udn>/<serviceId>    EventMessage
type MQTTPublisher struct {
	client  Publisher
	config  MQTTConfig
	now     func() time.Time
	logger  *slog.Logger
	timeout time.Duration
}

// NewMQTTPublisher creates a publisher over client.
func NewMQTTPublisher(client Publisher, config MQTTConfig) *MQTTPublisher {
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultTopicPrefix
	}
	timeout := config.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MQTTPublisher{client: client, config: config, now: now, logger: logger, timeout: timeout}
}

// Attach registers the publisher on a control point.
func (p *MQTTPublisher) Attach(cp Observable) {
	cp.OnDeviceAdded(func(dev *device.Device) { p.logError(p.PublishDevice(dev, true)) })
	cp.OnDeviceRemoved(func(dev *device.Device) { p.logError(p.PublishDevice(dev, false)) })
	cp.OnNotification(func(_ *subscription.Subscriber, n *subscription.Notification, err error) {
		if err != nil {
			p.logger.Debug("skipping undecodable notification", "error", err)
			return
		}
		p.logError(p.PublishNotification(n))
	})
}

// DeviceTopic returns the state topic of udn.
func (p *MQTTPublisher) DeviceTopic(udn string) string {
	return p.config.TopicPrefix + "/device/" + topicSegment(udn)
}

// EventTopic returns the event topic of a service.
func (p *MQTTPublisher) EventTopic(udn, serviceID string) string {
	return p.config.TopicPrefix + "/event/" + topicSegment(udn) + "/" + topicSegment(serviceID)
}

// PublishDevice publishes the retained state of dev.
func (p *MQTTPublisher) PublishDevice(dev *device.Device, online bool) error {
	state := DeviceState{
		UDN:          dev.UDN,
		Online:       online,
		FriendlyName: dev.FriendlyName,
		DeviceType:   dev.DeviceType,
		Manufacturer: dev.Manufacturer,
		ModelName:    dev.ModelName,
		Location:     dev.Location,
		Timestamp:    p.now().UTC(),
	}
	for _, svc := range dev.AllServices() {
		state.Services = append(state.Services, svc.ServiceID)
	}
	return p.publish(p.DeviceTopic(dev.UDN), true, state)
}

// PublishNotification publishes one notification.
func (p *MQTTPublisher) PublishNotification(n *subscription.Notification) error {
	msg := EventMessage{
		SID:        n.SID,
		Seq:        n.Seq,
		Properties: n.Map(),
		Timestamp:  p.now().UTC(),
	}
	return p.publish(p.EventTopic(n.UDN, n.ServiceID), false, msg)
}

func (p *MQTTPublisher) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMQTTPublish, err)
	}
	token := p.client.Publish(topic, p.config.QoS, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrMQTTPublish, topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMQTTPublish, topic, err)
	}
	return nil
}

func (p *MQTTPublisher) logError(err error) {
	if err != nil {
		p.logger.Warn("mqtt bridge", "error", err)
	}
}

func statusTopic(prefix string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "/bridge/status"
}

// MQTT reserves '/' as level separator and '+' '#' as wildcards.
var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string {
	return topicReplacer.Replace(s)
}
