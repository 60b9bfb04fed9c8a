package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	errTransportUnavailable = errors.New("message broker unavailable")
	errPublishTimeout       = errors.New("publish not acknowledged in time")
)

const (
	busQoS            = 0
	publishTimeout    = 2 * time.Second
	disconnectQuiesce = 250 // ms
)

// command is the envelope every service accepts. The shape of Arguments is
// service specific: a flat string for receiver "set", a list for receiver
// "get", a key/value map for the recorder and tuner.
type command struct {
	TaskName  string      `json:"task_name"`
	Arguments interface{} `json:"arguments,omitempty"`
}

type publisher interface {
	publish(topic string, cmd command) error
}

type transport interface {
	publisher
	close()
}

// dialFunc connects a transport that delivers every message received on
// topics to deliver. deliver runs on the transport's own goroutine.
type dialFunc func(topics []string, deliver func(topic string, payload []byte)) (transport, error)

type mqttBus struct {
	client  mqtt.Client
	addr    string
	topics  []string
	deliver func(topic string, payload []byte)

	subscribed chan struct{}
	once       sync.Once
}

// mqttDialer returns a dialFunc for the broker named in cfg.
func mqttDialer(cfg *config) dialFunc {
	return func(topics []string, deliver func(string, []byte)) (transport, error) {
		b := &mqttBus{
			addr:       fmt.Sprintf("tcp://%s:%d", cfg.Broker.Host, cfg.Broker.Port),
			topics:     topics,
			deliver:    deliver,
			subscribed: make(chan struct{}),
		}

		clientID := cfg.Broker.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("mepctl_%d", time.Now().Unix())
		}

		opts := mqtt.NewClientOptions().
			AddBroker(b.addr).
			SetClientID(clientID).
			SetKeepAlive(cfg.Broker.KeepAlive).
			SetConnectTimeout(cfg.Broker.ConnectTimeout).
			SetAutoReconnect(true).
			SetCleanSession(true).
			SetOnConnectHandler(b.onConnect).
			SetConnectionLostHandler(b.onConnectionLost).
			SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
				log.Printf("[INFO] reconnecting to broker %s", b.addr)
			})

		log.Printf("[INFO] connecting to broker %s", b.addr)
		b.client = mqtt.NewClient(opts)
		tok := b.client.Connect()
		if !tok.WaitTimeout(cfg.Broker.ConnectTimeout) {
			return nil, fmt.Errorf("%w: %s: connect timed out", errTransportUnavailable, b.addr)
		}
		if err := tok.Error(); err != nil {
			return nil, fmt.Errorf("%w: %s: %s", errTransportUnavailable, b.addr, err)
		}

		select {
		case <-b.subscribed:
		case <-time.After(cfg.Broker.ConnectTimeout):
			log.Printf("[WARN] subscriptions on %s not confirmed, early replies may be missed", b.addr)
		}

		return b, nil
	}
}

func (b *mqttBus) onConnect(c mqtt.Client) {
	filters := make(map[string]byte, len(b.topics))
	for _, t := range b.topics {
		filters[t] = busQoS
	}

	tok := c.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		b.deliver(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(publishTimeout) {
		log.Printf("[WARN] subscribe to %v on %s timed out", b.topics, b.addr)
		return
	}
	if err := tok.Error(); err != nil {
		log.Printf("[ERROR] subscribe to %v on %s failed: %s", b.topics, b.addr, err)
		return
	}

	log.Printf("[INFO] connected to %s, subscribed to %v", b.addr, b.topics)
	b.once.Do(func() { close(b.subscribed) })
}

func (b *mqttBus) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[WARN] lost connection to broker %s: %s", b.addr, err)
}

func (b *mqttBus) publish(topic string, cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	tok := b.client.Publish(topic, busQoS, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%s: %w", topic, errPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}

	log.Printf("[DEBUG] sent %s: %s", topic, payload)
	return nil
}

func (b *mqttBus) close() {
	b.client.Disconnect(disconnectQuiesce)
	log.Printf("[INFO] disconnected from broker %s", b.addr)
}
