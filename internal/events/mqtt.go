package events

import (
	"context"
	"fmt"
	"time"

	"call-coordinator/pkg/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// PublishTimeout bounds the wait for a broker acknowledgement when the
	// caller's context has no deadline.
	PublishTimeout time.Duration
}

// MQTTPublisher publishes through a Paho client that reconnects on its own.
type MQTTPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// NewMQTTPublisher connects to the broker. The first connection must succeed.
func NewMQTTPublisher(ctx context.Context, opts MQTTOptions) (*MQTTPublisher, error) {
	log := logger.From(ctx)
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", "err", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", "broker", opts.Broker)
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", opts.Broker, err)
	}

	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{client: client, qos: opts.QoS, timeout: timeout}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	wait := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
