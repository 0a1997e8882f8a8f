package pending

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/logger"
)

func newTestRegistry(t *testing.T, config *Config) *Registry {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	r := NewRegistry(config, log)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_ResolveDeliversPayload(t *testing.T) {
	r := newTestRegistry(t, nil)

	ch, err := r.Register("CP001", "csms_0000000000000001", "GetConfiguration", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Size())

	ok := r.Resolve("csms_0000000000000001", json.RawMessage(`{"configurationKey":[]}`))
	assert.True(t, ok)

	select {
	case result := <-ch:
		require.NoError(t, result.Err)
		assert.JSONEq(t, `{"configurationKey":[]}`, string(result.Payload))
	case <-time.After(time.Second):
		t.Fatal("result not delivered")
	}
	assert.Equal(t, 0, r.Size())
}

func TestRegistry_ResolveError(t *testing.T) {
	r := newTestRegistry(t, nil)

	ch, err := r.Register("CP001", "u1", "Reset", time.Second)
	require.NoError(t, err)

	callErr := frame.NewCallError(frame.ErrCodeInternalError, "charger fault")
	assert.True(t, r.ResolveError("u1", callErr))

	result := <-ch
	require.Error(t, result.Err)
	var ce *frame.CallError
	require.ErrorAs(t, result.Err, &ce)
	assert.Equal(t, frame.ErrCodeInternalError, ce.Code)
}

func TestRegistry_DuplicateUniqueID(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Register("CP001", "u1", "Reset", time.Second)
	require.NoError(t, err)

	_, err = r.Register("CP002", "u1", "Reset", time.Second)
	assert.ErrorIs(t, err, ErrDuplicateUniqueID)
}

func TestRegistry_TimeoutResolvesExactlyOnce(t *testing.T) {
	r := newTestRegistry(t, &Config{DefaultTimeout: time.Second, SweepInterval: 10 * time.Millisecond})

	start := time.Now()
	ch, err := r.Register("CP001", "u1", "GetConfiguration", 200*time.Millisecond)
	require.NoError(t, err)

	result := <-ch
	elapsed := time.Since(start)

	require.Error(t, result.Err)
	var ce *frame.CallError
	require.ErrorAs(t, result.Err, &ce)
	assert.Equal(t, frame.ErrCodeRequestTimeout, ce.Code)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, r.Size())

	// 超时后到达的迟到回复被丢弃
	assert.False(t, r.Resolve("u1", json.RawMessage(`{}`)))
}

func TestRegistry_LateReplyAfterCancel(t *testing.T) {
	r := newTestRegistry(t, nil)

	ch, err := r.Register("CP001", "u1", "Reset", time.Minute)
	require.NoError(t, err)

	assert.True(t, r.Cancel("u1"))
	assert.False(t, r.Resolve("u1", json.RawMessage(`{}`)))

	// 取消不投递结果
	select {
	case <-ch:
		t.Fatal("cancelled entry must not deliver a result")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_CancelCharger(t *testing.T) {
	r := newTestRegistry(t, nil)

	ch1, err := r.Register("CP001", "u1", "Reset", time.Minute)
	require.NoError(t, err)
	ch2, err := r.Register("CP001", "u2", "GetConfiguration", time.Minute)
	require.NoError(t, err)
	ch3, err := r.Register("CP002", "u3", "Reset", time.Minute)
	require.NoError(t, err)

	cancelled := r.CancelCharger("CP001", nil)
	assert.Equal(t, 2, cancelled)
	assert.Equal(t, 1, r.Size())

	for _, ch := range []<-chan Result{ch1, ch2} {
		result := <-ch
		var ce *frame.CallError
		require.ErrorAs(t, result.Err, &ce)
		assert.Equal(t, frame.ErrCodeConnectionClosed, ce.Code)
	}

	// 其他充电桩不受影响
	select {
	case <-ch3:
		t.Fatal("CP002 entry must survive")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_StopCancelsAll(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	r := NewRegistry(nil, log)
	r.Start()

	ch, err := r.Register("CP001", "u1", "Reset", time.Minute)
	require.NoError(t, err)

	r.Stop()

	result := <-ch
	var ce *frame.CallError
	require.ErrorAs(t, result.Err, &ce)
	assert.Equal(t, frame.ErrCodeConnectionClosed, ce.Code)
}

func TestRegistry_Drain(t *testing.T) {
	r := newTestRegistry(t, &Config{DefaultTimeout: time.Second, SweepInterval: 10 * time.Millisecond})

	_, err := r.Register("CP001", "u1", "Reset", 100*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Drain(ctx))
	assert.Equal(t, 0, r.Size())
}

func TestRegistry_DrainTimeout(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Register("CP001", "u1", "Reset", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, r.Drain(ctx))
}
