// Package lifecycle is the outward notifier for device pairing,
// suspension and revocation events: it subscribes to the topics C2/C5
// publish onto the Event Bus and forwards them to CloudEvents
// subscribers, with per-device/account severity routing loaded from a
// CSV file. Adapted from the teacher's watchdog-alarm subsystem
// (internal/pkg/application/alarms/alarmservice.go): Alarm -> LifecycleEvent,
// AddAlarm -> RecordEvent, the same CSV severity-routing shape, but
// keyed on pairing lifecycle transitions instead of battery/last-observed
// warnings.
package lifecycle

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/diwise/messaging-golang/pkg/messaging"
)

// EventKind names the pairing lifecycle transition a LifecycleEvent
// reports, mirroring the TopicName values on pkg/types' DevicePaired/
// DeviceSuspended/DeviceRevoked.
const (
	EventDevicePaired    = "device.paired"
	EventDeviceSuspended = "device.suspended"
	EventDeviceRevoked   = "device.revoked"
)

// LifecycleEvent is the teacher's Alarm, repurposed: DeviceID names the
// device instead of a sensor reading, and Type is one of the EventKind
// constants above instead of a threshold-breach type.
type LifecycleEvent struct {
	DeviceID    string
	AccID       string
	Type        string
	Severity    int
	Active      bool
	ObservedAt  time.Time
	Description string
}

// Recorder persists and queries lifecycle events; left to the caller so
// this package stays storage-agnostic, as the teacher's AlarmRepository
// was to alarmService.
type Recorder interface {
	GetAll(ctx context.Context, onlyActive bool) ([]LifecycleEvent, error)
	Add(ctx context.Context, event LifecycleEvent) error
	Close(ctx context.Context, deviceID, eventType string) error
}

//go:generate moq -rm -out notifier_mock.go . Notifier
type Notifier interface {
	Start()
	Stop()

	GetEvents(ctx context.Context, onlyActive bool) ([]LifecycleEvent, error)
	RecordEvent(ctx context.Context, event LifecycleEvent) error
	ResolveEvent(ctx context.Context, deviceID, eventType string) error

	GetConfiguration() Configuration
}

type notifier struct {
	recorder  Recorder
	messenger messaging.MsgContext
	config    *Configuration
	webhooks  *WebhookSender
}

// New wires the notifier to the Event Bus: C2's redeem and C5's
// suspend/revoke publish device.paired/device.suspended/device.revoked,
// and this subscribes to all three so the severity-routing and webhook
// fan-out stay decoupled from the coordinator and registry themselves.
func New(recorder Recorder, messenger messaging.MsgContext, cfg *Configuration, webhooks *WebhookSender) Notifier {
	n := &notifier{
		recorder:  recorder,
		messenger: messenger,
		config:    cfg,
		webhooks:  webhooks,
	}

	n.messenger.RegisterTopicMessageHandler(EventDevicePaired, devicePairedHandler(n))
	n.messenger.RegisterTopicMessageHandler(EventDeviceSuspended, deviceSuspendedHandler(n))
	n.messenger.RegisterTopicMessageHandler(EventDeviceRevoked, deviceRevokedHandler(n))

	return n
}

// Configuration is the CSV-loaded severity routing table: which devices
// or accounts escalate a lifecycle transition to which severity.
type Configuration struct {
	DeviceSeverity  map[string]int
	AccountSeverity map[string]int
	DefaultSeverity int
}

func loadFile(configFile string) (io.ReadCloser, error) {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("severity config file (%s) could not be found", configFile)
	}
	return os.Open(configFile)
}

// LoadConfiguration reads a `;`-separated CSV of kind;key;severity rows
// (kind is "device" or "account"), the same delimiter and header-skip convention as the teacher's
// alarms.LoadConfiguration.
func LoadConfiguration(configFile string) *Configuration {
	f, err := loadFile(configFile)
	if err != nil {
		return &Configuration{DefaultSeverity: 1}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'

	rows, err := r.ReadAll()
	if err != nil {
		return &Configuration{DefaultSeverity: 1}
	}

	cfg := Configuration{
		DeviceSeverity:  make(map[string]int),
		AccountSeverity: make(map[string]int),
		DefaultSeverity: 1,
	}

	for i, row := range rows {
		if i == 0 || len(row) < 3 {
			continue
		}

		kind := row[0] // "device" or "account"
		key := row[1]
		severity, err := strconv.Atoi(row[2])
		if err != nil {
			continue
		}

		switch kind {
		case "device":
			cfg.DeviceSeverity[key] = severity
		case "account":
			cfg.AccountSeverity[key] = severity
		}
	}

	return &cfg
}

func (n *notifier) Start() {}
func (n *notifier) Stop()  {}

func (n *notifier) GetEvents(ctx context.Context, onlyActive bool) ([]LifecycleEvent, error) {
	return n.recorder.GetAll(ctx, onlyActive)
}

func (n *notifier) severityFor(deviceID, accID string) int {
	if s, ok := n.config.DeviceSeverity[deviceID]; ok {
		return s
	}
	if s, ok := n.config.AccountSeverity[accID]; ok {
		return s
	}
	return n.config.DefaultSeverity
}

func (n *notifier) RecordEvent(ctx context.Context, event LifecycleEvent) error {
	if event.Severity == 0 {
		event.Severity = n.severityFor(event.DeviceID, event.AccID)
	}

	if err := n.recorder.Add(ctx, event); err != nil {
		return err
	}

	if n.webhooks != nil {
		return n.webhooks.Send(ctx, event)
	}
	return nil
}

func (n *notifier) ResolveEvent(ctx context.Context, deviceID, eventType string) error {
	return n.recorder.Close(ctx, deviceID, eventType)
}

func (n *notifier) GetConfiguration() Configuration {
	return *n.config
}

func devicePairedHandler(n *notifier) messaging.TopicMessageHandler {
	return lifecycleHandler(n, EventDevicePaired, "device paired")
}

func deviceSuspendedHandler(n *notifier) messaging.TopicMessageHandler {
	return lifecycleHandler(n, EventDeviceSuspended, "device suspended")
}

func deviceRevokedHandler(n *notifier) messaging.TopicMessageHandler {
	return lifecycleHandler(n, EventDeviceRevoked, "device revoked")
}

func lifecycleHandler(n *notifier, eventType, description string) messaging.TopicMessageHandler {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		message := struct {
			DeviceID string `json:"deviceId"`
			AccID    string `json:"accId"`
		}{}

		if err := json.Unmarshal(msg.Body, &message); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshal lifecycle event")
			return
		}

		err := n.RecordEvent(ctx, LifecycleEvent{
			DeviceID:    message.DeviceID,
			AccID:       message.AccID,
			Type:        eventType,
			Active:      true,
			ObservedAt:  time.Now().UTC(),
			Description: description,
		})
		if err != nil {
			logger.Error().Err(err).Msg("could not record lifecycle event")
			return
		}

		logger.Debug().Msgf("%s handled", msg.RoutingKey)
	}
}
