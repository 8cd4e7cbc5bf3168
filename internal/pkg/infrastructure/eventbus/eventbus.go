// Package eventbus adapts messaging.MsgContext to the narrow Publisher
// interfaces that pairing.Coordinator, registry.Registry and
// ingest.Gateway each declare, grounded on the teacher's own
// messenger.PublishOnTopic call sites in
// internal/pkg/application/service/service.go and
// internal/pkg/application/alarms/alarmservice.go.
package eventbus

import (
	"context"

	"github.com/diwise/messaging-golang/pkg/messaging"
)

// Bus is the single concrete Publisher shared by the pairing coordinator,
// the registry and the ingest gateway: each depends on its own
// structurally-identical Publisher interface, and this type satisfies
// all three without needing an adapter per package.
type Bus struct {
	messenger messaging.MsgContext
}

func New(messenger messaging.MsgContext) *Bus {
	return &Bus{messenger: messenger}
}

func (b *Bus) Publish(ctx context.Context, event interface{ TopicName() string }) error {
	return b.messenger.PublishOnTopic(ctx, event)
}
