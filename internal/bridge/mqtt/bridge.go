package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oshokin/torchd/internal/config"
	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/logger"
)

const (
	topicState        = "state"
	topicError        = "error"
	topicAvailability = "availability"
	topicSet          = "set"

	payloadOnline  = "online"
	payloadOffline = "offline"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	// disconnectQuiesceMS is how long pending work may finish on disconnect.
	disconnectQuiesceMS = 500
	keepAlive           = 30 * time.Second
	commandQueueSize    = 16
)

// ErrConnectTimeout is returned when the broker does not answer in time.
var ErrConnectTimeout = errors.New("mqtt connect timed out")

// Client is the part of the paho client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Controller applies commands received from the broker.
type Controller interface {
	SetIntensity(ctx context.Context, v int) error
	Toggle(ctx context.Context) error
	Refresh(ctx context.Context) error
}

type statePayload struct {
	State     string `json:"state"`
	Intensity int    `json:"intensity"`
	Max       int    `json:"max"`
}

type errorPayload struct {
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// Bridge publishes torch events and forwards commands. It is the sink of a
// long-lived host attached under the name "mqtt".
type Bridge struct {
	cfg       config.MQTTConfig
	client    Client
	commands  chan Command
	closeOnce sync.Once
}

// New creates a bridge over an already configured client.
func New(cfg config.MQTTConfig, client Client) *Bridge {
	return &Bridge{
		cfg:      cfg,
		client:   client,
		commands: make(chan Command, commandQueueSize),
	}
}

// Connect dials the broker with the availability topic as last will.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Bridge, error) {
	b := New(cfg, nil)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(b.topic(topicAvailability), payloadOffline, cfg.QoS, true).
		SetOnConnectHandler(func(pahomqtt.Client) { b.handleConnect(ctx) }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.WarnKV(ctx, "MQTT connection lost", "error", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, cfg.Broker)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}

	logger.InfoKV(ctx, "MQTT bridge connected", "broker", cfg.Broker, "prefix", cfg.TopicPrefix)

	return b, nil
}

// Run applies received commands through ctrl until ctx is done, then marks
// the bridge offline and disconnects.
func (b *Bridge) Run(ctx context.Context, ctrl Controller) error {
	defer b.Close(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-b.commands:
			if err := b.apply(ctx, ctrl, cmd); err != nil {
				logger.WarnKV(ctx, "Failed to apply MQTT command", "error", err)
			}
		}
	}
}

// OnStateChanged implements session.Listener.
func (b *Bridge) OnStateChanged(ctx context.Context, current, maxIntensity int) {
	payload := statePayload{State: "off", Intensity: current, Max: maxIntensity}
	if current > 0 {
		payload.State = "on"
	}

	b.publishJSON(ctx, topicState, true, payload)
}

// OnError implements session.Listener.
func (b *Bridge) OnError(ctx context.Context, kind torch.ErrorKind) {
	b.publishJSON(ctx, topicError, false, errorPayload{Error: kind.String(), Recoverable: kind.Recoverable()})
}

// OnOwnerNeededChanged implements session.Owner. Ownership is not published.
func (b *Bridge) OnOwnerNeededChanged(ctx context.Context, needResource, needForeground bool) {
	logger.DebugKV(ctx, "MQTT host ownership changed", "need_resource", needResource, "need_foreground", needForeground)
}

// handleConnect runs on every (re)connect: clean sessions lose subscriptions.
func (b *Bridge) handleConnect(ctx context.Context) {
	b.client.Publish(b.topic(topicAvailability), b.cfg.QoS, true, payloadOnline)
	b.client.Subscribe(b.topic(topicSet), b.cfg.QoS, b.handleMessage(ctx))
}

func (b *Bridge) handleMessage(ctx context.Context) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		cmd, err := ParseCommand(msg.Payload())
		if err != nil {
			logger.WarnKV(ctx, "Ignoring MQTT command", "topic", msg.Topic(), "error", err)

			return
		}

		select {
		case b.commands <- cmd:
		default:
			logger.WarnKV(ctx, "MQTT command queue is full, dropping command", "topic", msg.Topic())
		}
	}
}

func (b *Bridge) apply(ctx context.Context, ctrl Controller, cmd Command) error {
	switch cmd.Action {
	case ActionToggle:
		return ctrl.Toggle(ctx)
	case ActionRefresh:
		return ctrl.Refresh(ctx)
	default:
		return ctrl.SetIntensity(ctx, cmd.Intensity)
	}
}

// Close marks the bridge offline and disconnects. Only the first call has an effect.
func (b *Bridge) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		token := b.client.Publish(b.topic(topicAvailability), b.cfg.QoS, true, payloadOffline)
		if !token.WaitTimeout(publishTimeout) {
			logger.Warn(ctx, "Timed out publishing MQTT offline status")
		}

		b.client.Disconnect(disconnectQuiesceMS)
	})
}

// publishJSON never waits for the broker: it is called on the session loop.
func (b *Bridge) publishJSON(ctx context.Context, suffix string, retained bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to encode MQTT payload", "error", err)

		return
	}

	b.client.Publish(b.topic(suffix), b.cfg.QoS, retained, data)
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}
