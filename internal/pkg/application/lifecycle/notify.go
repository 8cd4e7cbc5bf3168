package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"
)

// WebhookSender fans a LifecycleEvent out to every YAML-configured
// subscriber for its event type, adapted from the teacher's
// events.eventSender: the subscriber config shape and the
// cloudevents.NewClientHTTP/ContextWithTarget dispatch are kept
// unchanged, only the event payload and type names differ.
type WebhookSender struct {
	subscribers map[string][]SubscriberConfig
}

// SubscriberConfig is one external endpoint registered for a given
// lifecycle event type.
type SubscriberConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Notification binds a lifecycle event Type (one of the EventKind
// constants) to the subscribers that should be notified of it.
type Notification struct {
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

// WebhookConfig is the top-level YAML document, loaded the same way as
// the teacher's events.Config.
type WebhookConfig struct {
	Notifications []Notification `yaml:"notifications"`
}

// LoadWebhookConfiguration parses a YAML subscriber document.
func LoadWebhookConfiguration(data io.Reader) (*WebhookConfig, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := WebhookConfig{}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewWebhookSender builds the per-type subscriber index from a
// WebhookConfig; a nil cfg produces a sender with no subscribers, so
// Send is always safe to call.
func NewWebhookSender(cfg *WebhookConfig) *WebhookSender {
	s := &WebhookSender{subscribers: make(map[string][]SubscriberConfig)}

	if cfg != nil {
		for _, n := range cfg.Notifications {
			s.subscribers[n.Type] = n.Subscribers
		}
	}

	return s
}

// Send delivers event as a CloudEvent to every subscriber registered
// for event.Type; a type with no subscribers is a no-op, same as the
// teacher's "unknown notification type" short-circuit.
func (s *WebhookSender) Send(ctx context.Context, event LifecycleEvent) error {
	subs, ok := s.subscribers[event.Type]
	if !ok || len(subs) == 0 {
		return nil
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	ce := cloudevents.NewEvent()
	ce.SetID(fmt.Sprintf("%s:%s:%d", event.DeviceID, event.Type, event.ObservedAt.Unix()))
	ce.SetTime(event.ObservedAt)
	ce.SetSource("github.com/crowdpm/device-core")
	ce.SetType(event.Type)

	eventData := struct {
		DeviceID    string `json:"deviceId"`
		AccID       string `json:"accId"`
		Severity    int    `json:"severity"`
		Active      bool   `json:"active"`
		Description string `json:"description"`
	}{
		DeviceID:    event.DeviceID,
		AccID:       event.AccID,
		Severity:    event.Severity,
		Active:      event.Active,
		Description: event.Description,
	}

	if err := ce.SetData(cloudevents.ApplicationJSON, eventData); err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	var sendErr error
	for _, sub := range subs {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, sub.Endpoint)

		result := c.Send(ctxWithTarget, ce)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send lifecycle event to %s", sub.Endpoint)
			sendErr = fmt.Errorf("%w", result)
		}
	}

	return sendErr
}
