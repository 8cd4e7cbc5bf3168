package lifecycle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type fakeRecorder struct {
	events []LifecycleEvent
	closed []string
}

func (f *fakeRecorder) GetAll(ctx context.Context, onlyActive bool) ([]LifecycleEvent, error) {
	return f.events, nil
}

func (f *fakeRecorder) Add(ctx context.Context, event LifecycleEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRecorder) Close(ctx context.Context, deviceID, eventType string) error {
	f.closed = append(f.closed, deviceID+":"+eventType)
	return nil
}

func TestRecordEventAppliesDeviceSeverity(t *testing.T) {
	is := is.New(t)
	rec := &fakeRecorder{}
	cfg := &Configuration{DeviceSeverity: map[string]int{"dev_1": 5}, DefaultSeverity: 1}
	n := New(rec, &messaging.MsgContextMock{
		RegisterTopicMessageHandlerFunc: func(routingKey string, handler messaging.TopicMessageHandler) error { return nil },
	}, cfg, nil)

	err := n.RecordEvent(context.Background(), LifecycleEvent{DeviceID: "dev_1", Type: EventDeviceSuspended})
	is.NoErr(err)
	is.Equal(len(rec.events), 1)
	is.Equal(rec.events[0].Severity, 5)
}

func TestRecordEventFallsBackToAccountThenDefaultSeverity(t *testing.T) {
	is := is.New(t)
	rec := &fakeRecorder{}
	cfg := &Configuration{AccountSeverity: map[string]int{"acc_1": 3}, DefaultSeverity: 1}
	n := New(rec, &messaging.MsgContextMock{
		RegisterTopicMessageHandlerFunc: func(routingKey string, handler messaging.TopicMessageHandler) error { return nil },
	}, cfg, nil)

	is.NoErr(n.RecordEvent(context.Background(), LifecycleEvent{DeviceID: "unknown", AccID: "acc_1", Type: EventDevicePaired}))
	is.Equal(rec.events[0].Severity, 3)

	is.NoErr(n.RecordEvent(context.Background(), LifecycleEvent{DeviceID: "unknown", AccID: "unknown", Type: EventDevicePaired}))
	is.Equal(rec.events[1].Severity, 1)
}

func TestResolveEventClosesByDeviceAndType(t *testing.T) {
	is := is.New(t)
	rec := &fakeRecorder{}
	n := New(rec, &messaging.MsgContextMock{
		RegisterTopicMessageHandlerFunc: func(routingKey string, handler messaging.TopicMessageHandler) error { return nil },
	}, &Configuration{DefaultSeverity: 1}, nil)

	is.NoErr(n.ResolveEvent(context.Background(), "dev_1", EventDeviceSuspended))
	is.Equal(len(rec.closed), 1)
	is.Equal(rec.closed[0], "dev_1:device.suspended")
}

func TestDevicePairedHandlerRecordsEvent(t *testing.T) {
	is := is.New(t)
	rec := &fakeRecorder{}
	n := New(rec, &messaging.MsgContextMock{
		RegisterTopicMessageHandlerFunc: func(routingKey string, handler messaging.TopicMessageHandler) error { return nil },
	}, &Configuration{DefaultSeverity: 1}, nil).(*notifier)

	body, _ := json.Marshal(struct {
		DeviceID string `json:"deviceId"`
		AccID    string `json:"accId"`
	}{DeviceID: "dev_2", AccID: "acc_2"})

	logger := zerolog.Nop()
	devicePairedHandler(n)(context.Background(), amqp.Delivery{Body: body}, logger)

	is.Equal(len(rec.events), 1)
	is.Equal(rec.events[0].DeviceID, "dev_2")
	is.Equal(rec.events[0].Type, EventDevicePaired)
}

func TestLoadConfigurationMissingFileUsesDefaultSeverity(t *testing.T) {
	is := is.New(t)
	cfg := LoadConfiguration("/nonexistent/severity.csv")
	is.Equal(cfg.DefaultSeverity, 1)
}
