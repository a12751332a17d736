package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/korovkin/limiter"
	"github.com/pkg/errors"

	"github.com/jdtait/nest-protect-gateway/internal/pkg/logging"
	"github.com/jdtait/nest-protect-gateway/internal/pkg/protect"
)

const (
	defaultConnectTimeout = time.Second * 10
	publishTimeout        = time.Second * 5

	// maxConcurrentPublishes bounds the state snapshot fan-out
	maxConcurrentPublishes = 10
)

// Options configure the optional MQTT side-channel.
type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes gateway events and device state snapshots to an
// MQTT broker.  It is an optional add-on around the core: it
// registers itself as an event listener and never influences command
// outcomes.
type Bridge struct {
	opts   Options
	client pahomqtt.Client
}

func New(opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "nest/protect/"
	}
	if opts.ClientID == "" {
		opts.ClientID = "nest-protect-gateway"
	}

	return &Bridge{opts: opts}
}

// Connect establishes the broker session with auto-reconnect.
func (b *Bridge) Connect() error {
	co := pahomqtt.NewClientOptions().
		AddBroker(b.opts.BrokerURL).
		SetClientID(b.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	if b.opts.Username != "" {
		co.SetUsername(b.opts.Username)
		co.SetPassword(b.opts.Password)
	}

	b.client = pahomqtt.NewClient(co)
	token := b.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return errors.Errorf("connecting to MQTT broker %s: timeout after %v", b.opts.BrokerURL, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "connecting to MQTT broker %s", b.opts.BrokerURL)
	}

	logging.Logger(nil).Infof("connected to MQTT broker %s", b.opts.BrokerURL)
	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}

// EventListener adapts the bridge to the service's event fan-out.
func (b *Bridge) EventListener() protect.EventListener {
	return func(ev protect.Event) {
		topic := fmt.Sprintf("%s%s/events/%s", b.opts.TopicPrefix, ev.DeviceID, ev.EventType)
		if err := b.publish(topic, ev); err != nil {
			logging.Logger(nil).WithError(err).Warnf("publishing event to %s", topic)
		}
	}
}

// PublishStates pushes one state message per device, with a bounded
// number of in-flight publishes.
func (b *Bridge) PublishStates(ctx context.Context, devices []protect.DeviceRecord) {
	limit := limiter.NewConcurrencyLimiter(maxConcurrentPublishes)

	for _, rec := range devices {
		rec := rec
		if _, err := limit.Execute(func() {
			topic := b.opts.TopicPrefix + rec.ID + "/state"
			if err := b.publish(topic, rec); err != nil {
				logging.Logger(ctx).WithError(err).Warnf("publishing state to %s", topic)
			}
		}); err != nil {
			logging.Logger(ctx).WithError(err).Warn("scheduling state publish")
		}
	}

	if err := limit.WaitAndClose(); err != nil {
		logging.Logger(ctx).WithError(err).Warn("waiting for state publishes")
	}
}

func (b *Bridge) publish(topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding MQTT payload")
	}

	token := b.client.Publish(topic, 0, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish timeout after %v", publishTimeout)
	}
	return token.Error()
}
