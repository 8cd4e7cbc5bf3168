package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/crowdpm/device-core/internal/pkg/application/lifecycle"
)

func testSetup(t *testing.T) (*is.I, lifecycle.Recorder) {
	is := is.New(t)
	recorder, err := New(NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	return is, recorder
}

func newEvent(deviceID, eventType string) lifecycle.LifecycleEvent {
	return lifecycle.LifecycleEvent{
		DeviceID:    deviceID,
		AccID:       "u_1",
		Type:        eventType,
		Severity:    2,
		Active:      true,
		ObservedAt:  time.Now().UTC(),
		Description: eventType,
	}
}

// forDevice filters a GetAll result down to one device, since the backing
// sqlite connection is a shared in-memory database across this package's
// tests (mirroring the sibling registry/counters repositories).
func forDevice(events []lifecycle.LifecycleEvent, deviceID string) []lifecycle.LifecycleEvent {
	out := make([]lifecycle.LifecycleEvent, 0)
	for _, e := range events {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out
}

func TestAddAndGetAll(t *testing.T) {
	is, recorder := testSetup(t)
	ctx := context.Background()

	is.NoErr(recorder.Add(ctx, newEvent("dev_1", lifecycle.EventDevicePaired)))

	events, err := recorder.GetAll(ctx, false)
	is.NoErr(err)
	mine := forDevice(events, "dev_1")
	is.Equal(len(mine), 1)
	is.Equal(mine[0].Type, lifecycle.EventDevicePaired)
}

func TestGetAllOnlyActiveExcludesClosed(t *testing.T) {
	is, recorder := testSetup(t)
	ctx := context.Background()

	is.NoErr(recorder.Add(ctx, newEvent("dev_2", lifecycle.EventDeviceSuspended)))
	is.NoErr(recorder.Close(ctx, "dev_2", lifecycle.EventDeviceSuspended))

	active, err := recorder.GetAll(ctx, true)
	is.NoErr(err)
	is.Equal(len(forDevice(active, "dev_2")), 0)

	all, err := recorder.GetAll(ctx, false)
	is.NoErr(err)
	is.Equal(len(forDevice(all, "dev_2")), 1)
}

func TestCloseOnlyAffectsMatchingDeviceAndType(t *testing.T) {
	is, recorder := testSetup(t)
	ctx := context.Background()

	is.NoErr(recorder.Add(ctx, newEvent("dev_3", lifecycle.EventDevicePaired)))
	is.NoErr(recorder.Add(ctx, newEvent("dev_3", lifecycle.EventDeviceSuspended)))

	is.NoErr(recorder.Close(ctx, "dev_3", lifecycle.EventDeviceSuspended))

	active, err := recorder.GetAll(ctx, true)
	is.NoErr(err)
	mine := forDevice(active, "dev_3")
	is.Equal(len(mine), 1)
	is.Equal(mine[0].Type, lifecycle.EventDevicePaired)
}
