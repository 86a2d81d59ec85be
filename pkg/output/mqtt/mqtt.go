package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ericogr/hx711-to-mqtt/pkg/config"
	"github.com/ericogr/hx711-to-mqtt/pkg/logging"
	"github.com/ericogr/hx711-to-mqtt/pkg/node"
	"github.com/ericogr/hx711-to-mqtt/pkg/sensor"
)

const (
	// defaults
	DefaultServer     = "tcp://localhost:1883"
	DefaultClientID   = "hx711-client"
	DefaultStateTopic = "hx711"
	DefaultUnit       = "g"
	responseSuffix    = "/response"

	commandTimeout = 30 * time.Second
	disconnectWait = 250

	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	deviceClassWeight      = "weight"
	stateClassMeasurement  = "measurement"
	valueTemplateWeight    = "{{ value_json.weight }}"
)

// CommandHandler answers a flow message received on the command topic
type CommandHandler func(ctx context.Context, msg node.Message) (node.Message, error)

type MQTTOutput struct {
	client        mqtt.Client
	cfg           config.MQTTConfig
	responseTopic string
	logger        logging.Logger

	mu      sync.Mutex
	handler CommandHandler
}

// NewMQTT connects to the broker and publishes the discovery payload, if configured
func NewMQTT(cfg config.MQTTConfig, logger logging.Logger) (*MQTTOutput, error) {
	cfg = withDefaults(cfg)
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	// command handlers block on the sensor, don't hold up other messages
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)

	m := newOutput(cfg, logger)
	// a clean session loses the subscription on every reconnect
	opts.SetOnConnectHandler(m.onConnect)

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	m.publishDiscovery()
	return m, nil
}

func newWithClient(client mqtt.Client, cfg config.MQTTConfig, logger logging.Logger) *MQTTOutput {
	m := newOutput(cfg, logger)
	m.client = client
	m.publishDiscovery()
	return m
}

func newOutput(cfg config.MQTTConfig, logger logging.Logger) *MQTTOutput {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	cfg = withDefaults(cfg)
	m := &MQTTOutput{
		cfg:           cfg,
		responseTopic: cfg.ResponseTopic,
		logger:        logger,
	}
	if m.responseTopic == "" {
		m.responseTopic = cfg.StateTopic + responseSuffix
	}
	return m
}

// publishDiscovery publishes the Home Assistant discovery payload if requested
func (m *MQTTOutput) publishDiscovery() {
	if m.cfg.DiscoveryTopic == "" {
		return
	}
	if err := m.publishJSON(m.cfg.DiscoveryTopic, true, discoveryPayload(m.cfg)); err != nil {
		m.logger.Warnf("mqtt discovery publish error: %s", err)
	}
}

// Publish sends the reading to the state topic
func (m *MQTTOutput) Publish(r sensor.Reading) error {
	payload := map[string]interface{}{
		"weight":  r.Value,
		"raw":     r.Raw,
		"samples": r.Samples,
		"stddev":  r.StdDev,
	}
	return m.publishJSON(m.cfg.StateTopic, false, payload)
}

// HandleCommands subscribes to the command topic, now and after every
// reconnect; every JSON object received there is passed to fn and the reply
// is published to the response topic
func (m *MQTTOutput) HandleCommands(fn CommandHandler) error {
	if m.cfg.CommandTopic == "" {
		return nil
	}
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()

	if err := m.subscribe(m.client, fn); err != nil {
		return err
	}
	m.logger.Infof("listening for commands on %s", m.cfg.CommandTopic)
	return nil
}

// onConnect restores the command subscription after a (re)connect
func (m *MQTTOutput) onConnect(client mqtt.Client) {
	m.mu.Lock()
	fn := m.handler
	m.mu.Unlock()
	if fn == nil || m.cfg.CommandTopic == "" {
		return
	}
	if err := m.subscribe(client, fn); err != nil {
		m.logger.Errorf("%s", err)
		return
	}
	m.logger.Debugf("resubscribed to %s", m.cfg.CommandTopic)
}

func (m *MQTTOutput) subscribe(client mqtt.Client, fn CommandHandler) error {
	token := client.Subscribe(m.cfg.CommandTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleCommand(fn, msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", m.cfg.CommandTopic, err)
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		if m.cfg.CommandTopic != "" {
			m.client.Unsubscribe(m.cfg.CommandTopic).WaitTimeout(time.Second)
		}
		m.client.Disconnect(disconnectWait)
	}
	return nil
}

func (m *MQTTOutput) handleCommand(fn CommandHandler, raw []byte) {
	var msg node.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warnf("mqtt command on %s is not a JSON object: %s", m.cfg.CommandTopic, err)
		m.reply(map[string]interface{}{"error": fmt.Sprintf("invalid command: %s", err)})
		return
	}
	if msg == nil {
		msg = node.Message{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := fn(ctx, msg)
	if err != nil {
		m.logger.Warnf("mqtt command failed: %s", err)
		m.reply(map[string]interface{}{"error": err.Error()})
		return
	}
	m.reply(out)
}

func (m *MQTTOutput) reply(payload map[string]interface{}) {
	if err := m.publishJSON(m.responseTopic, false, payload); err != nil {
		m.logger.Errorf("mqtt reply publish error: %s", err)
	}
}

func (m *MQTTOutput) publishJSON(topic string, retained bool, payload map[string]interface{}) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := m.client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = DefaultStateTopic
	}
	if cfg.Unit == "" {
		cfg.Unit = DefaultUnit
	}
	return cfg
}

func discoveryPayload(cfg config.MQTTConfig) map[string]interface{} {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("HX711 %s", cfg.ClientID)
	}
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          cfg.StateTopic,
		keyUnitOfMeasurement:   cfg.Unit,
		keyDeviceClass:         deviceClassWeight,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateWeight,
		keyJSONAttributesTopic: cfg.StateTopic,
	}
	if uid != "" {
		payload[keyUniqueID] = uid
	}
	return payload
}
