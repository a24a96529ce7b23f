// Package telemetry publishes the process state of every control cycle to an
// MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/tempctl/base/metrics"
	"example.com/tempctl/core/config"
	"example.com/tempctl/core/process"
)

const (
	queueLen          = 32
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

// Client is the part of mqtt.Client used for publishing.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type telemetryMetrics struct {
	published prometheus.Counter
	dropped   prometheus.Counter
}

var mtrcs atomic.Pointer[telemetryMetrics]

func init() {
	mtrcs.Store(&telemetryMetrics{
		published: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.TelemetryPublishedN,
			Help: metrics.TelemetryPublishedH,
		}),
		dropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.TelemetryDroppedN,
			Help: metrics.TelemetryDroppedH,
		}),
	})
}

type Publisher struct {
	log    *zap.Logger
	client Client
	topic  string
	queue  chan []byte
}

func New(log *zap.Logger, client Client, topic string) *Publisher {
	return &Publisher{
		log:    log,
		client: client,
		topic:  topic,
		queue:  make(chan []byte, queueLen),
	}
}

// Dial creates a publisher connected to cfg.Broker. The connection is
// established in the background and re-established after losses.
func Dial(log *zap.Logger, cfg config.TelemetryConfig) *Publisher {
	clientID := cfg.ClientID + "-" + uuid.NewString()[:8]
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Info("lost connection to MQTT broker", zap.Error(err))
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			log.Info("connected to MQTT broker",
				zap.String("broker", cfg.Broker), zap.String("clientID", clientID))
		})
	c := mqtt.NewClient(opts)
	c.Connect()
	return New(log, c, cfg.Topic)
}

// Publish queues st for publication. It never blocks and can be registered
// as a loop observer; states are dropped while the queue is full.
func (p *Publisher) Publish(st process.State) {
	payload, err := json.Marshal(st)
	if err != nil {
		p.log.Error("failed to encode state", zap.Error(err))
		return
	}
	select {
	case p.queue <- payload:
	default:
		mtrcs.Load().dropped.Inc()
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if c, ok := p.client.(mqtt.Client); ok {
			c.Disconnect(disconnectQuiesce)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-p.queue:
			t := p.client.Publish(p.topic, 0, false, payload)
			if !t.WaitTimeout(publishTimeout) {
				p.log.Info("timed out publishing telemetry", zap.String("topic", p.topic))
				continue
			}
			if err := t.Error(); err != nil {
				p.log.Info("failed to publish telemetry", zap.String("topic", p.topic), zap.Error(err))
				continue
			}
			mtrcs.Load().published.Inc()
		}
	}
}
