package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	sent         []published
	disconnected bool
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func TestMQTTPublisher_Publish(t *testing.T) {
	cli := &fakeClient{}
	p := NewMQTTPublisher(cli, "/feeder/")

	p.Publish("ESP-001", Grain, map[string]float64{"grain_weight": 300})

	require.Len(t, cli.sent, 1)
	assert.Equal(t, "feeder/ESP-001/grain", cli.sent[0].topic)

	var env map[string]any
	require.NoError(t, json.Unmarshal(cli.sent[0].payload, &env))
	assert.Equal(t, "ESP-001", env["device_id"])
	assert.Equal(t, "grain", env["event"])
	assert.Equal(t, map[string]any{"grain_weight": 300.0}, env["data"])

	p.Close()
	assert.True(t, cli.disconnected)
}

func TestDial_RejectsUnknownScheme(t *testing.T) {
	_, err := Dial("http://broker:1883", "hub", "feeder")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish("ESP-001", Online, nil)
	p.Close()
}
