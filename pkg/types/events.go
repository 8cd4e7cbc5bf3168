package types

import "time"

// IngestRawReceived is published onto the Event Bus topic "ingest.raw"
// once a batch has been sealed into the Blob Store and recorded; it is
// the handoff to the downstream (out-of-scope) processing worker.
type IngestRawReceived struct {
	DeviceID    string    `json:"deviceId"`
	BatchID     string    `json:"batchId"`
	Path        string    `json:"path"`
	Visibility  string    `json:"visibility"`
	PublishedAt time.Time `json:"publishedAt"`
}

func (e *IngestRawReceived) ContentType() string {
	return "application/json"
}

func (e *IngestRawReceived) TopicName() string {
	return "ingest.raw"
}

// DevicePaired is published when a device completes registration (C2's
// redeem), for lifecycle subscribers and the admin SSE stream.
type DevicePaired struct {
	DeviceID  string    `json:"deviceId"`
	AccID     string    `json:"accId"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *DevicePaired) ContentType() string { return "application/json" }
func (e *DevicePaired) TopicName() string   { return "device.paired" }

// DeviceSuspended is published on C5's suspend transition.
type DeviceSuspended struct {
	DeviceID  string    `json:"deviceId"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *DeviceSuspended) ContentType() string { return "application/json" }
func (e *DeviceSuspended) TopicName() string   { return "device.suspended" }

// DeviceRevoked is published on C5's revoke transition.
type DeviceRevoked struct {
	DeviceID  string    `json:"deviceId"`
	ActorID   string    `json:"actorId"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *DeviceRevoked) ContentType() string { return "application/json" }
func (e *DeviceRevoked) TopicName() string   { return "device.revoked" }
