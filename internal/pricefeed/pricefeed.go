// Package pricefeed subscribes to an MQTT topic carrying electricity prices
// and pushes updates into the fleet.
package pricefeed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"voltfleet/internal/manager"
)

const (
	defaultTopic   = "voltfleet/price"
	connectTimeout = 10 * time.Second
)

// Feed keeps an MQTT subscription alive and applies incoming prices.
type Feed struct {
	client mqtt.Client
	fleet  *manager.Manager
	logger *zap.Logger
	topic  string
}

// New builds a feed against the broker. Empty topic picks the default.
func New(brokerURL, clientID, topic string, fleet *manager.Manager, logger *zap.Logger) *Feed {
	if topic == "" {
		topic = defaultTopic
	}
	f := &Feed{
		fleet:  fleet,
		logger: logger.With(zap.String("component", "pricefeed")),
		topic:  topic,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		f.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	// resubscribe on every connect, including reconnects
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		f.logger.Info("mqtt connected", zap.String("topic", f.topic))
		if token := client.Subscribe(f.topic, 0, f.onMessage); token.Wait() && token.Error() != nil {
			f.logger.Error("mqtt subscribe failed", zap.Error(token.Error()))
		}
	})

	f.client = mqtt.NewClient(opts)
	return f
}

// Connect establishes the broker connection.
func (f *Feed) Connect() error {
	token := f.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("pricefeed: connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("pricefeed: connect: %w", err)
	}
	return nil
}

// Close drops the subscription and disconnects.
func (f *Feed) Close() {
	if f.client.IsConnected() {
		f.client.Unsubscribe(f.topic)
		f.client.Disconnect(250)
	}
}

func (f *Feed) onMessage(_ mqtt.Client, msg mqtt.Message) {
	price, err := parsePrice(msg.Payload())
	if err != nil {
		f.logger.Warn("price message rejected",
			zap.String("payload", string(msg.Payload())),
			zap.Error(err))
		return
	}
	if err := f.fleet.SetPrice(price); err != nil {
		f.logger.Warn("price update rejected", zap.Float64("price", price), zap.Error(err))
		return
	}
	f.logger.Info("price updated from feed", zap.Float64("price", price))
}

// parsePrice accepts either {"price": 23.5} or a bare number.
func parsePrice(payload []byte) (float64, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return 0, fmt.Errorf("empty payload")
	}

	if strings.HasPrefix(trimmed, "{") {
		var body struct {
			Price *float64 `json:"price"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return 0, err
		}
		if body.Price == nil {
			return 0, fmt.Errorf("missing price field")
		}
		return *body.Price, nil
	}

	price, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", trimmed)
	}
	return price, nil
}
