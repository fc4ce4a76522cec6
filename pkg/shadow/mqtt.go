package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttEnvelope is the payload shape the MQTT delivery carries: the
// submodel-element value plus an optional broker-assigned timestamp. If
// TS is absent the manager stamps local receive time.
type mqttEnvelope struct {
	Value any   `json:"value"`
	TS    int64 `json:"ts,omitempty"` // unix millis, optional
}

// Subscriber connects the Shadow Twin to a live MQTT broker, subscribing
// to twinops/{repoID}/{aasID}/# and normalizing deliveries into
// Twin.ApplyMQTT calls.
type Subscriber struct {
	client mqtt.Client
	twin   *Twin
	repoID string
	aasID  string
	log    *slog.Logger
}

// NewSubscriber builds (but does not connect) an MQTT subscriber over the
// given broker URL, e.g. "tcp://localhost:1883".
func NewSubscriber(brokerURL, repoID, aasID, clientID string, twin *Twin, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(false). // preserve subscriptions across reconnect, where the broker supports it
		SetAutoReconnect(true).
		SetConnectRetry(true)

	sub := &Subscriber{twin: twin, repoID: repoID, aasID: aasID, log: log}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := fmt.Sprintf("twinops/%s/%s/#", repoID, aasID)
		if token := c.Subscribe(topic, 1, sub.handleMessage); token.Wait() && token.Error() != nil {
			log.Error("shadow: mqtt subscribe failed", "topic", topic, "error", token.Error())
		}
	})

	sub.client = mqtt.NewClient(opts)
	return sub
}

// Connect dials the broker, then seeds every submodel from an HTTP
// snapshot. The subscription is made by the on-connect handler, which also
// runs on each automatic reconnect; a reconnect re-subscribes but takes no
// new snapshot.
func (s *Subscriber) Connect(ctx context.Context, submodelIDs []string) error {
	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("shadow: mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("shadow: mqtt connect: %w", err)
	}
	for _, submodelID := range submodelIDs {
		if err := s.twin.Refresh(ctx, submodelID); err != nil {
			return fmt.Errorf("shadow: initial snapshot of %s: %w", submodelID, err)
		}
	}
	return nil
}

// handleMessage parses topic twinops/{repo}/{aas}/{submodel}/{path} and
// applies the value to the Shadow Twin.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.SplitN(msg.Topic(), "/", 5)
	if len(parts) != 5 || parts[0] != "twinops" {
		s.log.Warn("shadow: ignoring message on unexpected topic", "topic", msg.Topic())
		return
	}
	submodelID, path := parts[3], parts[4]

	var env mqttEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		// Fall back to treating the whole payload as the raw value, for
		// brokers that don't wrap it in {value, ts}.
		var raw any
		if jsonErr := json.Unmarshal(msg.Payload(), &raw); jsonErr != nil {
			s.log.Warn("shadow: unparseable mqtt payload", "topic", msg.Topic(), "error", err)
			return
		}
		s.twin.ApplyMQTT(submodelID, path, raw, time.Time{})
		return
	}

	var brokerTS time.Time
	if env.TS > 0 {
		brokerTS = time.UnixMilli(env.TS)
	}
	s.twin.ApplyMQTT(submodelID, path, env.Value, brokerTS)
}

// Disconnect cleanly closes the MQTT connection.
func (s *Subscriber) Disconnect() {
	s.client.Disconnect(250)
}
