package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-csms/internal/registry"
)

func TestMemoryRegistry_SetGetDelete(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	_, err := reg.GetConnection(ctx, "CP001")
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)

	require.NoError(t, reg.SetConnection(ctx, "CP001", "csms-0", time.Minute))
	podID, err := reg.GetConnection(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "csms-0", podID)

	require.NoError(t, reg.DeleteConnection(ctx, "CP001"))
	_, err = reg.GetConnection(ctx, "CP001")
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)

	assert.NoError(t, reg.Close())
}

func TestMemoryRegistry_TTLExpiry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.SetConnection(ctx, "CP001", "csms-0", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := reg.GetConnection(ctx, "CP001")
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)
}

func TestMemoryRegistry_ZeroTTLNeverExpires(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.SetConnection(ctx, "CP001", "csms-0", 0))
	podID, err := reg.GetConnection(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "csms-0", podID)
}

func TestRedisRegistry_SetGetDeleteConnection(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := &registry.RedisRegistry{Client: db, Prefix: "csms:conn:"}
	ctx := context.Background()

	key := "csms:conn:CP001"
	ttl := 10 * time.Minute

	mock.ExpectSet(key, "csms-0", ttl).SetVal("OK")
	require.NoError(t, reg.SetConnection(ctx, "CP001", "csms-0", ttl))

	mock.ExpectGet(key).SetVal("csms-0")
	podID, err := reg.GetConnection(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "csms-0", podID)

	mock.ExpectGet(key).SetErr(redis.Nil)
	podID, err = reg.GetConnection(ctx, "CP001")
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)
	assert.Empty(t, podID)

	mock.ExpectDel(key).SetVal(1)
	require.NoError(t, reg.DeleteConnection(ctx, "CP001"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRegistry_Errors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := &registry.RedisRegistry{Client: db, Prefix: "csms:conn:"}
	ctx := context.Background()

	setErr := errors.New("redis set error")
	mock.ExpectSet("csms:conn:CP002", "csms-1", time.Minute).SetErr(setErr)
	assert.ErrorIs(t, reg.SetConnection(ctx, "CP002", "csms-1", time.Minute), setErr)

	getErr := errors.New("redis get error")
	mock.ExpectGet("csms:conn:CP002").SetErr(getErr)
	_, err := reg.GetConnection(ctx, "CP002")
	assert.ErrorIs(t, err, getErr)

	delErr := errors.New("redis del error")
	mock.ExpectDel("csms:conn:CP002").SetErr(delErr)
	assert.ErrorIs(t, reg.DeleteConnection(ctx, "CP002"), delErr)

	assert.NoError(t, mock.ExpectationsWereMet())
}
