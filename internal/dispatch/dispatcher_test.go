package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/pending"
	"github.com/charging-platform/ocpp-csms/internal/store"
)

type recordingSink struct {
	events []*store.DeviceEvent
}

func (s *recordingSink) Publish(event *store.DeviceEvent) {
	s.events = append(s.events, event)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.MemoryStore, *pending.Registry, *recordingSink) {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	reg := pending.NewRegistry(nil, log)
	reg.Start()
	t.Cleanup(reg.Stop)
	sink := &recordingSink{}
	return NewDispatcher(st, reg, sink, nil, log), st, reg, sink
}

// decodeReply 拆解回复帧便于断言
func decodeReply(t *testing.T, data []byte) []json.RawMessage {
	t.Helper()
	var elems []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &elems))
	return elems
}

func assertCallError(t *testing.T, data []byte, uniqueID, code string) {
	t.Helper()
	elems := decodeReply(t, data)
	require.Len(t, elems, 5)
	assert.JSONEq(t, `4`, string(elems[0]))
	assert.JSONEq(t, `"`+uniqueID+`"`, string(elems[1]))
	assert.JSONEq(t, `"`+code+`"`, string(elems[2]))
}

func bootCharger(t *testing.T, d *Dispatcher, chargerID string) {
	t.Helper()
	reply := d.HandleInbound(context.Background(), chargerID, "",
		[]byte(`[2,"boot","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1"}]`))
	require.NotNil(t, reply)
}

func TestHandleInbound_UnknownAction(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	reply := d.HandleInbound(context.Background(), "CP001", "",
		[]byte(`[2,"u1","FlashFirmware",{}]`))
	assertCallError(t, reply, "u1", frame.ErrCodeNotSupported)
}

func TestHandleInbound_PayloadErrors(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	tests := []struct {
		name     string
		uniqueID string
		data     string
		code     string
	}{
		{
			"wrong type",
			"u1",
			`[2,"u1","StartTransaction",{"connectorId":"one","idTag":"TAG","meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`,
			frame.ErrCodeTypeConstraintViolation,
		},
		{
			"missing required",
			"u2",
			`[2,"u2","StartTransaction",{"connectorId":1,"meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`,
			frame.ErrCodeOccurrenceConstraintViolation,
		},
		{
			"constraint violated",
			"u3",
			`[2,"u3","StartTransaction",{"connectorId":-1,"idTag":"TAG","meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`,
			frame.ErrCodePropertyConstraintViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := d.HandleInbound(context.Background(), "CP001", "", []byte(tt.data))
			assertCallError(t, reply, tt.uniqueID, tt.code)
		})
	}
}

func TestHandleInbound_MalformedFrames(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	// UniqueId可恢复：回FormationViolation
	reply := d.HandleInbound(ctx, "CP001", "", []byte(`[2,"u1","BootNotification"]`))
	assertCallError(t, reply, "u1", frame.ErrCodeFormationViolation)

	// 完全无法解析：丢弃
	assert.Nil(t, d.HandleInbound(ctx, "CP001", "", []byte(`not json at all`)))
	assert.Nil(t, d.HandleInbound(ctx, "CP001", "", []byte(`[9,"u2","X",{}]`)))
}

func TestHandleInbound_CallResultResolvesPendingOnce(t *testing.T) {
	d, _, reg, _ := newTestDispatcher(t)
	ctx := context.Background()

	ch, err := reg.Register("CP001", "csms_00000000000000aa", "GetConfiguration", time.Minute)
	require.NoError(t, err)

	assert.Nil(t, d.HandleInbound(ctx, "CP001", "", []byte(`[3,"csms_00000000000000aa",{"configurationKey":[]}]`)))

	result := <-ch
	require.NoError(t, result.Err)
	assert.JSONEq(t, `{"configurationKey":[]}`, string(result.Payload))

	// 同一UniqueId的重复回复被丢弃
	assert.Nil(t, d.HandleInbound(ctx, "CP001", "", []byte(`[3,"csms_00000000000000aa",{}]`)))
	assert.Equal(t, 0, reg.Size())
}

func TestHandleInbound_CallErrorPropagatesCode(t *testing.T) {
	d, _, reg, _ := newTestDispatcher(t)

	ch, err := reg.Register("CP001", "u1", "Reset", time.Minute)
	require.NoError(t, err)

	assert.Nil(t, d.HandleInbound(context.Background(), "CP001", "",
		[]byte(`[4,"u1","NotSupported","reset unsupported",{"detail":1}]`)))

	result := <-ch
	var callErr *frame.CallError
	require.ErrorAs(t, result.Err, &callErr)
	assert.Equal(t, "NotSupported", callErr.Code)
	assert.Equal(t, "reset unsupported", callErr.Description)
	assert.JSONEq(t, `{"detail":1}`, string(callErr.Details))
}

func TestHandleInbound_LegacyDictRoundTrip(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	reply := d.HandleInbound(context.Background(), "CP001", "861076087029615",
		[]byte(`{"action":"BootNotification","payload":{"chargePointVendor":"ACME","chargePointModel":"X1"}}`))
	require.NotNil(t, reply)

	var legacy struct {
		Action   string          `json:"action"`
		Response json.RawMessage `json:"response"`
	}
	require.NoError(t, json.Unmarshal(reply, &legacy))
	assert.Equal(t, "BootNotification", legacy.Action)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(legacy.Response, &response))
	assert.Equal(t, "Accepted", response["status"])
}

func TestHandleInbound_LegacyDictError(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	reply := d.HandleInbound(context.Background(), "CP001", "",
		[]byte(`{"action":"FlashFirmware","payload":{}}`))
	require.NotNil(t, reply)

	var legacy struct {
		Action   string            `json:"action"`
		Response map[string]string `json:"response"`
	}
	require.NoError(t, json.Unmarshal(reply, &legacy))
	assert.Equal(t, "FlashFirmware", legacy.Action)
	assert.Equal(t, frame.ErrCodeNotSupported, legacy.Response["errorCode"])
}

func TestChargerLocks_ReleasedAfterDispatch(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	bootCharger(t, d, "CP001")
	bootCharger(t, d, "CP002")
	reply := d.HandleInbound(ctx, "CP003", "", []byte(`[2,"h1","Heartbeat",{}]`))
	require.NotNil(t, reply)

	// 串行锁随最后一个持有者释放而摘除，桩来来去去不会累积锁表
	d.lockMutex.Lock()
	remaining := len(d.chargerLocks)
	d.lockMutex.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestChargerLocks_SerializeConcurrentCalls(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	bootCharger(t, d, "CP001")

	start := `[2,"s1","StartTransaction",{"connectorId":1,"idTag":"TAG_1","meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			d.HandleInbound(ctx, "CP001", "", []byte(start))
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	// 并发重试只产生一个Active会话
	session, err := st.ActiveSessionByEVSE(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusActive, session.Status)

	d.lockMutex.Lock()
	remaining := len(d.chargerLocks)
	d.lockMutex.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestRecoverUniqueID(t *testing.T) {
	assert.Equal(t, "u1", recoverUniqueID([]byte(`[2,"u1"]`)))
	assert.Empty(t, recoverUniqueID([]byte(`[2]`)))
	assert.Empty(t, recoverUniqueID([]byte(`[2,42,"X"]`)))
	assert.Empty(t, recoverUniqueID([]byte(`garbage`)))
}

func TestCallErrorCode(t *testing.T) {
	assert.Equal(t, frame.ErrCodeOccurrenceConstraintViolation,
		CallErrorCode(ValidationErrors{{Tag: "required"}}))
	assert.Equal(t, frame.ErrCodePropertyConstraintViolation,
		CallErrorCode(ValidationErrors{{Tag: "min"}}))
	assert.Equal(t, frame.ErrCodeFormationViolation,
		CallErrorCode(ValidationErrors{{Tag: "unknown"}}))

	var payload struct {
		N int `json:"n"`
	}
	err := json.Unmarshal([]byte(`{"n":"x"}`), &payload)
	require.Error(t, err)
	assert.Equal(t, frame.ErrCodeTypeConstraintViolation, CallErrorCode(err))
}
