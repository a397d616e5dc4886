package mqtt

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

// BrokerAddr maps mqtt:// and mqtts:// URLs onto the schemes paho dials.
func BrokerAddr(brokerURL string) string {
	url := strings.TrimSpace(brokerURL)
	switch {
	case url == "":
		return "tcp://mosquitto:1883"
	case strings.HasPrefix(url, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(url, "mqtt://")
	case strings.HasPrefix(url, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(url, "mqtts://")
	}
	return url
}

func Connect(brokerURL, clientID string) (*Client, error) {
	opts := mqtt.NewClientOptions()
	addr := BrokerAddr(brokerURL)
	opts.AddBroker(addr)
	if strings.TrimSpace(clientID) == "" {
		clientID = "campaign-service-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	// Persistent session so trigger events published while we reconnect are kept.
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if strings.HasPrefix(addr, "ssl://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", addr)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// Subscribe delivers messages at QoS 1. The handler runs on paho's router
// goroutine and must not block for long.
func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	return tok.Error()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
