// Package telemetry bridges the event bus to an MQTT broker: track and
// elapsed messages are ingested from the broker, and every broadcast
// playback info is published back as retained state.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
	"github.com/tunecast-project/tunecast/internal/playback"
	"github.com/tunecast-project/tunecast/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicTrack        = "track"
	TopicElapsed      = "elapsed"
	TopicState        = "state"
	TopicAvailability = "availability"
)

const handlerBroadcast = "mqtt.playbackBroadcast"

// ErrDisabled is returned when the bridge is built with MQTT turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// MQTTBridge manages the broker connection.
type MQTTBridge struct {
	mu sync.Mutex

	mqttCfg  config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// included in every published message
	metadata map[string]interface{}
}

// NewMQTTBridge creates a bridge from the MQTT section of cfg.
func NewMQTTBridge(cfg *config.Config, eventBus *events.EventBus) (*MQTTBridge, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	b := &MQTTBridge{
		mqttCfg:  mqttCfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"app_version": util.Version,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURI(mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetWill(b.topic(TopicAvailability), "offline", 1, true)

	// subscriptions are lost with a clean session, so they are made on
	// every (re)connect
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		b.logger.Info().Msg("MQTT connected")
		b.subscribeTopics(client)
		client.Publish(b.topic(TopicAvailability), 1, true, "online")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		b.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// BrokerURI turns the configured broker into a paho server URI. A broker
// given with a scheme is used as-is.
func BrokerURI(broker string, port int) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return fmt.Sprintf("tcp://%s:%d", broker, port)
}

func (b *MQTTBridge) topic(suffix string) string {
	return strings.TrimSuffix(b.mqttCfg.TopicPrefix, "/") + "/" + suffix
}

// Start connects to the broker, follows playback broadcasts and blocks
// until ctx is cancelled.
func (b *MQTTBridge) Start(ctx context.Context) error {
	b.logger.Info().
		Str("broker", BrokerURI(b.mqttCfg.BrokerURL, b.mqttCfg.Port)).
		Str("prefix", b.mqttCfg.TopicPrefix).
		Msg("connecting to MQTT broker")

	token := b.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	b.eventBus.Subscribe(events.EventPlaybackBroadcast, handlerBroadcast, b.onPlaybackBroadcast)
	defer b.eventBus.Unsubscribe(events.EventPlaybackBroadcast, handlerBroadcast)

	<-ctx.Done()

	b.client.Publish(b.topic(TopicAvailability), 1, true, "offline").WaitTimeout(2 * time.Second)
	b.client.Disconnect(5000)
	b.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (b *MQTTBridge) subscribeTopics(client mqtt.Client) {
	for _, suffix := range []string{TopicTrack, TopicElapsed} {
		topic := b.topic(suffix)
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			if err := b.HandleMessage(context.Background(), msg.Topic(), msg.Payload()); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping MQTT message")
			}
		})
		go func() {
			token.Wait()
			if token.Error() != nil {
				b.logger.Error().Err(token.Error()).Str("topic", topic).Msg("MQTT subscribe failed")
			}
		}()
	}
}

// HandleMessage turns an inbound broker message into a bus event.
func (b *MQTTBridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case b.topic(TopicTrack):
		info, err := DecodeTrack(payload)
		if err != nil {
			return err
		}
		return b.eventBus.EmitSync(ctx, events.Event{
			Type:    events.EventTrackChanged,
			Source:  "mqtt",
			Payload: info,
		})

	case b.topic(TopicElapsed):
		seconds, err := DecodeElapsed(payload)
		if err != nil {
			return err
		}
		return b.eventBus.EmitSync(ctx, events.Event{
			Type:    events.EventElapsedTime,
			Source:  "mqtt",
			Payload: events.ElapsedPayload{Seconds: seconds},
		})
	}
	return fmt.Errorf("unexpected topic %q", topic)
}

// DecodeTrack parses a track message. Records without title and artist
// are rejected.
func DecodeTrack(payload []byte) (playback.Info, error) {
	var info playback.Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return playback.Info{}, fmt.Errorf("invalid track message: %w", err)
	}
	if info.IsEmpty() {
		return playback.Info{}, fmt.Errorf("invalid track message: title and artist are empty")
	}
	return info, nil
}

// DecodeElapsed parses an elapsed message, either {"seconds": n} or a bare
// number.
func DecodeElapsed(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if seconds, err := strconv.ParseFloat(text, 64); err == nil {
		return checkSeconds(seconds)
	}

	var msg struct {
		Seconds *float64 `json:"seconds"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("invalid elapsed message: %w", err)
	}
	if msg.Seconds == nil {
		return 0, fmt.Errorf("invalid elapsed message: missing seconds")
	}
	return checkSeconds(*msg.Seconds)
}

func checkSeconds(seconds float64) (float64, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("invalid elapsed message: negative seconds")
	}
	return seconds, nil
}

// publish sends a JSON message to an MQTT topic.
func (b *MQTTBridge) publish(topic string, retained bool, payload interface{}) {
	if !b.client.IsConnected() {
		return
	}

	data, err := json.Marshal(b.buildMessage(payload))
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := b.client.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			b.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (b *MQTTBridge) buildMessage(payload interface{}) map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := make(map[string]interface{}, len(b.metadata)+2)
	for k, v := range b.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (b *MQTTBridge) onPlaybackBroadcast(_ context.Context, event events.Event) error {
	p, ok := event.Payload.(events.BroadcastPayload)
	if !ok {
		return fmt.Errorf("unexpected playback_broadcast payload %T", event.Payload)
	}
	b.publish(b.topic(TopicState), true, map[string]interface{}{
		"playbackInfo": p.Info,
		"listeners":    p.Recipients,
	})
	return nil
}
