// Package events publishes device events to an MQTT broker so other
// services can follow the fleet without polling the hub.
package events

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Event names, used as the last topic segment.
const (
	Online        = "online"
	Offline       = "offline"
	Grain         = "grain"
	FeedingRecord = "feeding_record"
	OTAStatus     = "ota_status"
	Sync          = "sync"
)

// Publisher emits device events.
type Publisher interface {
	Publish(deviceID, event string, payload any)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, string, any) {}
func (Nop) Close()                      {}

// Client is the part of a paho client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events as JSON on <prefix>/<device_id>/<event>.
type MQTTPublisher struct {
	cli    Client
	prefix string
}

// envelope wraps every payload with its event name and time.
type envelope struct {
	DeviceID string    `json:"device_id"`
	Event    string    `json:"event"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}

// Dial connects to brokerURL. Supported schemes are mqtt, tcp, ssl, tls,
// ws and wss; credentials come from the URL user info.
func Dial(brokerURL, clientID, prefix string) (*MQTTPublisher, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mqtt broker url: %w", err)
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("unsupported mqtt scheme %q", u.Scheme)
	}
	opts.AddBroker(server)
	opts.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) { log.Info().Str("broker", u.Host).Msg("mqtt connected") }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { log.Error().Err(err).Msg("mqtt connection lost") }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.WaitTimeout(10*time.Second) && t.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", t.Error())
	}
	return NewMQTTPublisher(cli, prefix), nil
}

// NewMQTTPublisher wraps a connected client.
func NewMQTTPublisher(cli Client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{cli: cli, prefix: strings.Trim(prefix, "/")}
}

// Topic returns the topic for a device event.
func (p *MQTTPublisher) Topic(deviceID, event string) string {
	return p.prefix + "/" + deviceID + "/" + event
}

// Publish sends the event without waiting for the broker.
func (p *MQTTPublisher) Publish(deviceID, event string, payload any) {
	body, err := json.Marshal(envelope{DeviceID: deviceID, Event: event, At: time.Now().UTC(), Data: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	topic := p.Topic(deviceID, event)
	t := p.cli.Publish(topic, 0, false, body)
	go func() {
		if t.WaitTimeout(5*time.Second) && t.Error() != nil {
			log.Warn().Err(t.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.cli.Disconnect(250)
}
