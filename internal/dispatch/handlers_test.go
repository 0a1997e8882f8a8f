package dispatch

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/ocpp-csms/internal/store"
)

var isoMillisZ = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

func TestSanitizeChargePointID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CP001", "CP001"},
		{"CP/00*1", "CP001"},
		{"充电桩01", "充电桩01"},
		{"../*", "CP_INVALID"},
		{"", "CP_INVALID"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeChargePointID(tt.in), "input %q", tt.in)
	}
}

func TestBootNotification(t *testing.T) {
	d, st, _, sink := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1","firmwareVersion":"1.2.3"}]`))
	elems := decodeReply(t, reply)
	require.Len(t, elems, 3)
	assert.JSONEq(t, `3`, string(elems[0]))
	assert.JSONEq(t, `"x1"`, string(elems[1]))

	var response struct {
		Status      string `json:"status"`
		CurrentTime string `json:"currentTime"`
		Interval    int    `json:"interval"`
	}
	require.NoError(t, json.Unmarshal(elems[2], &response))
	assert.Equal(t, "Accepted", response.Status)
	assert.Equal(t, 60, response.Interval)
	assert.Regexp(t, isoMillisZ, response.CurrentTime)

	cp, err := st.ChargePointByID(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "ACME", cp.Vendor)
	assert.Equal(t, "X1", cp.Model)
	assert.Equal(t, "1.2.3", cp.FirmwareVersion)
	assert.Equal(t, "Accepted", cp.RegistrationStatus)
	assert.NotNil(t, cp.LastSeen)

	status, err := st.EVSEStatusFor(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, "Available", status.Status)

	require.NotEmpty(t, st.EventsByType(store.EventTypeBoot))
	require.NotEmpty(t, sink.events)
	assert.Equal(t, store.EventTypeBoot, sink.events[0].EventType)
}

func TestBootNotification_SanitizesNewChargePointID(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.HandleInbound(ctx, "CP/00*1", "",
		[]byte(`[2,"x1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1"}]`))
	require.NotNil(t, reply)

	_, err := st.ChargePointByID(ctx, "CP001")
	assert.NoError(t, err)
	_, err = st.ChargePointByID(ctx, "CP/00*1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBootNotification_PrefersPayloadSerialNumber(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.HandleInbound(ctx, "transport-client-7", "861076087029615",
		[]byte(`[2,"x1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1","chargePointSerialNumber":"861076087029615"}]`))
	require.NotNil(t, reply)

	cp, err := st.ChargePointByID(ctx, "861076087029615")
	require.NoError(t, err)
	require.NotNil(t, cp.DeviceSerialNumber)
	assert.Equal(t, "861076087029615", *cp.DeviceSerialNumber)
}

func TestHeartbeat(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	bootCharger(t, d, "CP001")

	reply := d.HandleInbound(ctx, "CP001", "", []byte(`[2,"h1","Heartbeat",{}]`))
	elems := decodeReply(t, reply)
	require.Len(t, elems, 3)

	var response struct {
		CurrentTime string `json:"currentTime"`
	}
	require.NoError(t, json.Unmarshal(elems[2], &response))
	assert.Regexp(t, isoMillisZ, response.CurrentTime)

	cp, err := st.ChargePointByID(ctx, "CP001")
	require.NoError(t, err)
	assert.NotNil(t, cp.LastSeen)
	assert.NotEmpty(t, st.EventsByType(store.EventTypeHeartbeat))
}

func TestStatusNotification_UnknownChargePointNotPersisted(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)

	reply := d.HandleInbound(context.Background(), "CP_GHOST", "",
		[]byte(`[2,"s1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Available"}]`))
	elems := decodeReply(t, reply)
	require.Len(t, elems, 3)
	assert.JSONEq(t, `{}`, string(elems[2]))

	_, err := st.EVSEStatusFor(context.Background(), "CP_GHOST", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, st.EventsByType(store.EventTypeStatus))
}

func TestStatusNotification_UpdatesConnectorAndStation(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	bootCharger(t, d, "CP001")

	reply := d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"s1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Preparing"}]`))
	require.NotNil(t, reply)
	status, err := st.EVSEStatusFor(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, "Preparing", status.Status)

	// connectorId=0写整站行，不新建EVSE
	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"s2","StatusNotification",{"connectorId":0,"errorCode":"HighTemperature","status":"Faulted"}]`))
	require.NotNil(t, reply)
	station, err := st.EVSEStatusFor(ctx, "CP001", 0)
	require.NoError(t, err)
	assert.Equal(t, "Faulted", station.Status)
	assert.Equal(t, "HighTemperature", station.ErrorCode)

	assert.Len(t, st.EventsByType(store.EventTypeStatus), 2)
}

func TestStatusNotification_AvailableCompletesLingeringSession(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	bootCharger(t, d, "CP001")

	reply := d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"t1","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":100,"timestamp":"2024-06-01T12:00:00Z"}]`))
	require.NotNil(t, reply)
	session, err := st.ActiveSessionByEVSE(ctx, "CP001", 1)
	require.NoError(t, err)

	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"s1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Available","timestamp":"2024-06-01T13:00:00Z"}]`))
	require.NotNil(t, reply)

	_, err = st.ActiveSessionByEVSE(ctx, "CP001", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	completed, err := st.SessionByTransaction(ctx, "CP001", session.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, completed.Status)
	require.NotNil(t, completed.MeterStop)
	assert.Equal(t, completed.MeterStart, *completed.MeterStop)

	status, err := st.EVSEStatusFor(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Nil(t, status.CurrentSessionID)
}

func TestAuthorize(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	reply := d.HandleInbound(ctx, "CP001", "", []byte(`[2,"a1","Authorize",{"idTag":"TAG1"}]`))
	elems := decodeReply(t, reply)
	assert.JSONEq(t, `{"idTagInfo":{"status":"Accepted"}}`, string(elems[2]))

	// 空白idTag通过required校验但被拒绝
	reply = d.HandleInbound(ctx, "CP001", "", []byte(`[2,"a2","Authorize",{"idTag":"  "}]`))
	elems = decodeReply(t, reply)
	assert.JSONEq(t, `{"idTagInfo":{"status":"Invalid"}}`, string(elems[2]))
}

func TestChargingSessionLifecycle(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	bootCharger(t, d, "CP001")

	st.AddTariff(&store.Tariff{
		BasePricePerKWh: 0.5,
		Currency:        "EUR",
		ValidFrom:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:          true,
	})

	// StartTransaction
	reply := d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x2","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`))
	elems := decodeReply(t, reply)
	var startResp struct {
		TransactionId int `json:"transactionId"`
		IdTagInfo     struct {
			Status string `json:"status"`
		} `json:"idTagInfo"`
	}
	require.NoError(t, json.Unmarshal(elems[2], &startResp))
	assert.Equal(t, "Accepted", startResp.IdTagInfo.Status)
	transactionID := startResp.TransactionId
	assert.Greater(t, transactionID, 0)

	status, err := st.EVSEStatusFor(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, "Charging", status.Status)
	assert.NotNil(t, status.CurrentSessionID)

	// 重发同一StartTransaction返回同一transactionId
	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x2b","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`))
	elems = decodeReply(t, reply)
	var retryResp struct {
		TransactionId int `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(elems[2], &retryResp))
	assert.Equal(t, transactionID, retryResp.TransactionId)

	// MeterValues关联到会话
	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x3","MeterValues",{"connectorId":1,"transactionId":`+jsonInt(transactionID)+`,"meterValue":[{"timestamp":"2024-06-01T12:30:00Z","sampledValue":[{"value":"3500","measurand":"Energy.Active.Import.Register","unit":"Wh"}]}]}]`))
	elems = decodeReply(t, reply)
	assert.JSONEq(t, `{}`, string(elems[2]))

	session, err := st.ActiveSessionByEVSE(ctx, "CP001", 1)
	require.NoError(t, err)
	samples := st.MeterValuesForSession(session.ID)
	require.Len(t, samples, 1)
	assert.Equal(t, "3500", samples[0].Value)
	assert.Equal(t, "Energy.Active.Import.Register", samples[0].Measurand)
	assert.Equal(t, "Wh", samples[0].Unit)

	// StopTransaction
	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x4","StopTransaction",{"transactionId":`+jsonInt(transactionID)+`,"meterStop":7000,"timestamp":"2024-06-01T12:30:00Z","reason":"Local"}]`))
	elems = decodeReply(t, reply)
	assert.JSONEq(t, `{"idTagInfo":{"status":"Accepted"}}`, string(elems[2]))

	completed, err := st.SessionByTransaction(ctx, "CP001", transactionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusCompleted, completed.Status)
	assert.InDelta(t, 7.0, completed.EnergyKWh(), 1e-9)
	assert.Equal(t, 1800, completed.DurationSeconds())
	require.NotNil(t, completed.StopReason)
	assert.Equal(t, "Local", *completed.StopReason)

	status, err = st.EVSEStatusFor(ctx, "CP001", 1)
	require.NoError(t, err)
	assert.Equal(t, "Available", status.Status)
	assert.Nil(t, status.CurrentSessionID)

	orders := st.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, completed.ID, orders[0].SessionID)
	assert.InDelta(t, 7.0, orders[0].EnergyKWh, 1e-9)
	assert.Equal(t, 1800, orders[0].DurationSeconds)
	assert.InDelta(t, 3.5, orders[0].Amount, 1e-9)
	assert.Equal(t, "EUR", orders[0].Currency)

	// 已完成交易的StopTransaction重发：同样回复，不再变更
	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x5","StopTransaction",{"transactionId":`+jsonInt(transactionID)+`,"meterStop":9999,"timestamp":"2024-06-01T13:00:00Z"}]`))
	elems = decodeReply(t, reply)
	assert.JSONEq(t, `{"idTagInfo":{"status":"Accepted"}}`, string(elems[2]))

	unchanged, err := st.SessionByTransaction(ctx, "CP001", transactionID)
	require.NoError(t, err)
	assert.Equal(t, 7000, *unchanged.MeterStop)
	assert.Equal(t, 1800, unchanged.DurationSeconds())
	assert.Len(t, st.Orders(), 1)
}

func TestStopTransaction_UnknownTransaction(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	bootCharger(t, d, "CP001")

	reply := d.HandleInbound(context.Background(), "CP001", "",
		[]byte(`[2,"x1","StopTransaction",{"transactionId":424242,"meterStop":100,"timestamp":"2024-06-01T12:30:00Z"}]`))
	elems := decodeReply(t, reply)
	assert.JSONEq(t, `{"idTagInfo":{"status":"Accepted"}}`, string(elems[2]))
}

func TestStopTransaction_AppendsTransactionData(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	bootCharger(t, d, "CP001")

	reply := d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x1","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":0,"timestamp":"2024-06-01T12:00:00Z"}]`))
	elems := decodeReply(t, reply)
	var startResp struct {
		TransactionId int `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(elems[2], &startResp))

	reply = d.HandleInbound(ctx, "CP001", "",
		[]byte(`[2,"x2","StopTransaction",{"transactionId":`+jsonInt(startResp.TransactionId)+`,"meterStop":5000,"timestamp":"2024-06-01T12:30:00Z","transactionData":[{"timestamp":"2024-06-01T12:30:00Z","sampledValue":[{"value":"5000","measurand":"Energy.Active.Import.Register","unit":"Wh"}]}]}]`))
	require.NotNil(t, reply)

	session, err := st.SessionByTransaction(ctx, "CP001", startResp.TransactionId)
	require.NoError(t, err)
	samples := st.MeterValuesForSession(session.ID)
	require.Len(t, samples, 1)
	assert.Equal(t, "5000", samples[0].Value)
}

func TestMeterValues_NoSessionDropped(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	bootCharger(t, d, "CP001")

	reply := d.HandleInbound(context.Background(), "CP001", "",
		[]byte(`[2,"m1","MeterValues",{"connectorId":1,"meterValue":[{"timestamp":"2024-06-01T12:00:00Z","sampledValue":[{"value":"100"}]}]}]`))
	elems := decodeReply(t, reply)
	assert.JSONEq(t, `{}`, string(elems[2]))
	assert.Empty(t, st.MeterValuesForSession(1))
}

func jsonInt(n int) string {
	data, _ := json.Marshal(n)
	return string(data)
}
