package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/crowdpm/device-core/internal/pkg/application/pairing"
	"github.com/crowdpm/device-core/pkg/types"
)

func testSetup(t *testing.T) (*is.I, pairing.Store) {
	is := is.New(t)
	store, err := New(NewSQLiteConnector(zerolog.Nop()))
	is.NoErr(err)
	return is, store
}

func newSession(deviceCode, userCode string) types.PairingSession {
	now := time.Now().UTC()
	return types.PairingSession{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		PubKeThumbprint: "thumb-" + deviceCode,
		Fingerprint:     "fp",
		Model:           "sensor-x",
		Version:         "1.0",
		Status:          types.PairingStatusPending,
		PollInterval:    5,
		ExpiresAt:       now.Add(15 * time.Minute),
		CreatedAt:       now,
	}
}

func TestCreateAndLookupByBothKeys(t *testing.T) {
	is, store := testSetup(t)
	ctx := context.Background()

	session := newSession("dc-1", "AAAAA-BBBBB-C")
	is.NoErr(store.Create(ctx, session))

	byDevice, err := store.GetByDeviceCode(ctx, "dc-1")
	is.NoErr(err)
	is.Equal(byDevice.UserCode, "AAAAA-BBBBB-C")

	byUser, err := store.GetByUserCode(ctx, "AAAAA-BBBBB-C")
	is.NoErr(err)
	is.Equal(byUser.DeviceCode, "dc-1")
}

func TestGetByDeviceCodeNotFound(t *testing.T) {
	is, store := testSetup(t)
	_, err := store.GetByDeviceCode(context.Background(), "missing")
	is.Equal(err, pairing.ErrNotFound)
}

func TestUpdateAppliesMutationTransactionally(t *testing.T) {
	is, store := testSetup(t)
	ctx := context.Background()

	session := newSession("dc-2", "AAAAA-BBBBB-D")
	is.NoErr(store.Create(ctx, session))

	acc := "u_1"
	updated, err := store.Update(ctx, "dc-2", func(current types.PairingSession) (types.PairingSession, bool) {
		if current.Status != types.PairingStatusPending {
			return current, false
		}
		current.Status = types.PairingStatusAuthorized
		current.AccID = &acc
		return current, true
	})
	is.NoErr(err)
	is.Equal(updated.Status, types.PairingStatusAuthorized)

	reloaded, err := store.GetByDeviceCode(ctx, "dc-2")
	is.NoErr(err)
	is.Equal(reloaded.Status, types.PairingStatusAuthorized)
	is.Equal(*reloaded.AccID, "u_1")
}

func TestUpdateRejectedMutationLeavesRowUnchanged(t *testing.T) {
	is, store := testSetup(t)
	ctx := context.Background()

	session := newSession("dc-3", "AAAAA-BBBBB-E")
	session.Status = types.PairingStatusRedeemed
	is.NoErr(store.Create(ctx, session))

	_, err := store.Update(ctx, "dc-3", func(current types.PairingSession) (types.PairingSession, bool) {
		return current, false
	})
	is.NoErr(err)

	reloaded, err := store.GetByDeviceCode(ctx, "dc-3")
	is.NoErr(err)
	is.Equal(reloaded.Status, types.PairingStatusRedeemed)
}

func TestDeleteExpiredRemovesOldSessionsOnly(t *testing.T) {
	is, store := testSetup(t)
	ctx := context.Background()

	expired := newSession("dc-expired", "AAAAA-BBBBB-F")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	is.NoErr(store.Create(ctx, expired))

	fresh := newSession("dc-fresh", "AAAAA-BBBBB-G")
	is.NoErr(store.Create(ctx, fresh))

	n, err := store.DeleteExpired(ctx, 0)
	is.NoErr(err)
	is.Equal(n, 1)

	_, err = store.GetByDeviceCode(ctx, "dc-expired")
	is.Equal(err, pairing.ErrNotFound)

	_, err = store.GetByDeviceCode(ctx, "dc-fresh")
	is.NoErr(err)
}
