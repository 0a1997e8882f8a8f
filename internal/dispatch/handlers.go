package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/charging-platform/ocpp-csms/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-csms/internal/store"
)

// InvalidChargePointID 充电桩ID清理后为空时的替代值
const InvalidChargePointID = "CP_INVALID"

// sanitizeChargePointID 清理充电桩ID，只保留字母和数字，防止注入
func sanitizeChargePointID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return InvalidChargePointID
	}
	return b.String()
}

// handleBootNotification 充电桩上线登记。
// payload中的chargePointSerialNumber优先作为充电桩身份；首次上线时清理ID中的特殊字符。
func (d *Dispatcher) handleBootNotification(ctx context.Context, chargerID, deviceSerial string, req *ocpp16.BootNotificationRequest) (*ocpp16.BootNotificationResponse, error) {
	if req.ChargePointSerialNumber != nil {
		if serial := strings.TrimSpace(*req.ChargePointSerialNumber); serial != "" {
			if serial != chargerID {
				d.logger.Infof("BootNotification uses payload serial number as charge point id: %s -> %s", chargerID, serial)
			}
			chargerID = serial
		}
	}

	now := time.Now().UTC()
	cp, err := d.store.ChargePointByID(ctx, chargerID)
	if errors.Is(err, store.ErrNotFound) {
		sanitized := sanitizeChargePointID(chargerID)
		if sanitized != chargerID {
			d.logger.Warnf("Charge point id contains special characters, sanitized: %s -> %s", chargerID, sanitized)
			chargerID = sanitized
			cp, err = d.store.ChargePointByID(ctx, chargerID)
		}
		if errors.Is(err, store.ErrNotFound) {
			cp = &store.ChargePoint{ID: chargerID}
			err = nil
		}
	}
	if err != nil {
		return nil, err
	}

	cp.Vendor = req.ChargePointVendor
	cp.Model = req.ChargePointModel
	if req.ChargePointSerialNumber != nil {
		cp.SerialNumber = strings.TrimSpace(*req.ChargePointSerialNumber)
	}
	if req.FirmwareVersion != nil {
		cp.FirmwareVersion = *req.FirmwareVersion
	}
	if deviceSerial != "" {
		cp.DeviceSerialNumber = &deviceSerial
	}
	cp.RegistrationStatus = string(ocpp16.RegistrationStatusAccepted)
	cp.LastSeen = &now
	if err := d.store.UpsertChargePoint(ctx, cp); err != nil {
		return nil, err
	}

	if _, err := d.store.EnsureEVSE(ctx, chargerID, 1); err != nil {
		return nil, err
	}
	if err := d.store.UpdateEVSEStatus(ctx, chargerID, 1, string(ocpp16.ChargePointStatusAvailable), string(ocpp16.ChargePointErrorCodeNoError), now); err != nil {
		return nil, err
	}

	d.appendEvent(ctx, chargerID, deviceSerial, store.EventTypeBoot, map[string]interface{}{
		"vendor":          cp.Vendor,
		"model":           cp.Model,
		"serialNumber":    cp.SerialNumber,
		"firmwareVersion": cp.FirmwareVersion,
	}, nil, nil)

	d.logger.Infof("BootNotification from %s: vendor=%s model=%s", chargerID, cp.Vendor, cp.Model)
	return &ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationStatusAccepted,
		CurrentTime: ocpp16.Now(),
		Interval:    int(d.config.HeartbeatInterval.Seconds()),
	}, nil
}

// handleHeartbeat 心跳。last_seen更新为尽力而为，失败不影响回复。
func (d *Dispatcher) handleHeartbeat(ctx context.Context, chargerID, deviceSerial string) (*ocpp16.HeartbeatResponse, error) {
	if err := d.store.TouchChargePoint(ctx, chargerID, time.Now().UTC()); err != nil {
		d.logger.Warnf("Failed to touch last_seen for %s: %v", chargerID, err)
	}
	d.appendEvent(ctx, chargerID, deviceSerial, store.EventTypeHeartbeat, nil, nil, nil)
	return &ocpp16.HeartbeatResponse{CurrentTime: ocpp16.Now()}, nil
}

// handleStatusNotification 连接器状态上报。
// 未登记的充电桩只回空对象不落库；状态回到Available时强制结束遗留的活跃会话。
func (d *Dispatcher) handleStatusNotification(ctx context.Context, chargerID string, req *ocpp16.StatusNotificationRequest) (*ocpp16.StatusNotificationResponse, error) {
	if _, err := d.store.ChargePointByID(ctx, chargerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warnf("StatusNotification from unregistered charge point %s, not persisted", chargerID)
			return &ocpp16.StatusNotificationResponse{}, nil
		}
		return nil, err
	}

	// 状态行时间戳统一取服务端接收时刻，保证last-writer-wins比较在同一时钟上
	now := time.Now().UTC()
	evseID := req.ConnectorId
	if evseID != store.StationConnectorID {
		if _, err := d.store.EnsureEVSE(ctx, chargerID, evseID); err != nil {
			return nil, err
		}
	}

	var previousStatus *string
	if prev, err := d.store.EVSEStatusFor(ctx, chargerID, evseID); err == nil {
		previousStatus = &prev.Status
	}

	if err := d.store.UpdateEVSEStatus(ctx, chargerID, evseID, string(req.Status), string(req.ErrorCode), now); err != nil {
		return nil, err
	}

	if req.Status == ocpp16.ChargePointStatusAvailable && evseID != store.StationConnectorID {
		if err := d.completeLingeringSession(ctx, chargerID, evseID, now); err != nil {
			d.logger.Warnf("Failed to complete lingering session on %s/%d: %v", chargerID, evseID, err)
		}
	}

	status := string(req.Status)
	d.appendEvent(ctx, chargerID, "", store.EventTypeStatus, map[string]interface{}{
		"connectorId": req.ConnectorId,
		"errorCode":   string(req.ErrorCode),
	}, &status, previousStatus)

	d.logger.Infof("StatusNotification from %s: connector %d -> %s", chargerID, req.ConnectorId, req.Status)
	return &ocpp16.StatusNotificationResponse{}, nil
}

// completeLingeringSession 状态回到Available时结束EVSE上遗留的活跃会话
func (d *Dispatcher) completeLingeringSession(ctx context.Context, chargerID string, evseID int, at time.Time) error {
	session, err := d.store.ActiveSessionByEVSE(ctx, chargerID, evseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	meterStop := session.MeterStart
	reason := string(ocpp16.ReasonLocal)
	session.EndTime = &at
	session.MeterStop = &meterStop
	session.Status = store.SessionStatusCompleted
	session.StopReason = &reason
	if err := d.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	return d.store.SetEVSESession(ctx, chargerID, evseID, nil)
}

// handleAuthorize 授权。无外部令牌库时默认接受所有非空idTag。
func (d *Dispatcher) handleAuthorize(_ context.Context, chargerID string, req *ocpp16.AuthorizeRequest) (*ocpp16.AuthorizeResponse, error) {
	status := ocpp16.AuthorizationStatusAccepted
	if strings.TrimSpace(req.IdTag) == "" {
		status = ocpp16.AuthorizationStatusInvalid
	}
	d.logger.Infof("Authorize from %s: idTag=%s -> %s", chargerID, req.IdTag, status)
	return &ocpp16.AuthorizeResponse{IdTagInfo: ocpp16.IdTagInfo{Status: status}}, nil
}

// handleStartTransaction 开始交易。
// EVSE上已有活跃会话时返回其transactionId，吸收充电桩对未确认CALL的重发。
func (d *Dispatcher) handleStartTransaction(ctx context.Context, chargerID string, req *ocpp16.StartTransactionRequest) (*ocpp16.StartTransactionResponse, error) {
	evseID := req.ConnectorId
	if _, err := d.store.EnsureEVSE(ctx, chargerID, evseID); err != nil {
		return nil, err
	}

	if existing, err := d.store.ActiveSessionByEVSE(ctx, chargerID, evseID); err == nil {
		if existing.IdTag == req.IdTag && time.Since(existing.CreatedAt) <= d.config.IdempotencyWindow {
			d.logger.Debugf("Duplicate StartTransaction from %s/%d, returning transaction %d", chargerID, evseID, existing.TransactionID)
		} else {
			d.logger.Warnf("StartTransaction from %s/%d with active session, returning transaction %d", chargerID, evseID, existing.TransactionID)
		}
		return &ocpp16.StartTransactionResponse{
			IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
			TransactionId: existing.TransactionID,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	transactionID, err := d.store.NextTransactionID(ctx)
	if err != nil {
		return nil, err
	}

	startTime := req.Timestamp.Time.UTC()
	session := &store.ChargingSession{
		TransactionID: transactionID,
		ChargePointID: chargerID,
		EVSEID:        evseID,
		IdTag:         req.IdTag,
		StartTime:     startTime,
		MeterStart:    req.MeterStart,
		Status:        store.SessionStatusActive,
	}
	if err := d.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := d.store.UpdateEVSEStatus(ctx, chargerID, evseID, string(ocpp16.ChargePointStatusCharging), string(ocpp16.ChargePointErrorCodeNoError), time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := d.store.SetEVSESession(ctx, chargerID, evseID, &session.ID); err != nil {
		return nil, err
	}

	d.appendEvent(ctx, chargerID, "", store.EventTypeSession, map[string]interface{}{
		"phase":         "start",
		"transactionId": transactionID,
		"connectorId":   evseID,
		"idTag":         req.IdTag,
		"meterStart":    req.MeterStart,
	}, nil, nil)

	d.logger.Infof("StartTransaction from %s: connector %d transaction %d", chargerID, evseID, transactionID)
	return &ocpp16.StartTransactionResponse{
		IdTagInfo:     ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted},
		TransactionId: transactionID,
	}, nil
}

// handleStopTransaction 停止交易。
// 已完成的会话不再变更，原样重发回复；结束时快照当前计价规则生成订单。
func (d *Dispatcher) handleStopTransaction(ctx context.Context, chargerID string, req *ocpp16.StopTransactionRequest) (*ocpp16.StopTransactionResponse, error) {
	accepted := &ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}

	session, err := d.store.SessionByTransaction(ctx, chargerID, req.TransactionId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warnf("StopTransaction from %s for unknown transaction %d", chargerID, req.TransactionId)
			return &ocpp16.StopTransactionResponse{IdTagInfo: accepted}, nil
		}
		return nil, err
	}
	if session.Status != store.SessionStatusActive {
		return &ocpp16.StopTransactionResponse{IdTagInfo: accepted}, nil
	}

	endTime := req.Timestamp.Time.UTC()
	meterStop := req.MeterStop
	session.EndTime = &endTime
	session.MeterStop = &meterStop
	session.Status = store.SessionStatusCompleted
	if req.Reason != nil {
		reason := string(*req.Reason)
		session.StopReason = &reason
	}
	if err := d.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	d.appendTransactionData(ctx, session, req.TransactionData)
	d.createOrder(ctx, session, endTime)

	if err := d.store.UpdateEVSEStatus(ctx, chargerID, session.EVSEID, string(ocpp16.ChargePointStatusAvailable), string(ocpp16.ChargePointErrorCodeNoError), time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := d.store.SetEVSESession(ctx, chargerID, session.EVSEID, nil); err != nil {
		return nil, err
	}

	d.appendEvent(ctx, chargerID, "", store.EventTypeSession, map[string]interface{}{
		"phase":         "stop",
		"transactionId": session.TransactionID,
		"connectorId":   session.EVSEID,
		"meterStop":     req.MeterStop,
		"energyKWh":     session.EnergyKWh(),
	}, nil, nil)

	d.logger.Infof("StopTransaction from %s: transaction %d energy=%.3f kWh duration=%d s",
		chargerID, session.TransactionID, session.EnergyKWh(), session.DurationSeconds())
	return &ocpp16.StopTransactionResponse{IdTagInfo: accepted}, nil
}

// appendTransactionData 追加StopTransaction随附的采样值
func (d *Dispatcher) appendTransactionData(ctx context.Context, session *store.ChargingSession, data []ocpp16.MeterValue) {
	for _, mv := range data {
		for _, sv := range mv.SampledValue {
			row := &store.MeterValue{
				SessionID: session.ID,
				Timestamp: mv.Timestamp.Time,
				Value:     sv.Value,
			}
			if sv.Measurand != nil {
				row.Measurand = *sv.Measurand
			}
			if sv.Unit != nil {
				row.Unit = *sv.Unit
			}
			if err := d.store.AddMeterValue(ctx, row); err != nil {
				d.logger.Warnf("Failed to persist transaction data sample: %v", err)
			}
		}
	}
}

// createOrder 按结束时刻有效的计价规则为已完成会话生成订单，无计价规则时跳过
func (d *Dispatcher) createOrder(ctx context.Context, session *store.ChargingSession, at time.Time) {
	var siteID *string
	if cp, err := d.store.ChargePointByID(ctx, session.ChargePointID); err == nil {
		siteID = cp.SiteID
	}

	tariff, err := d.store.ActiveTariff(ctx, siteID, at)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warnf("Tariff lookup failed for session %d: %v", session.ID, err)
		}
		return
	}

	energy := session.EnergyKWh()
	order := &store.Order{
		SessionID:       session.ID,
		ChargePointID:   session.ChargePointID,
		TariffID:        &tariff.ID,
		EnergyKWh:       energy,
		DurationSeconds: session.DurationSeconds(),
		PricePerKWh:     tariff.BasePricePerKWh,
		Amount:          energy * tariff.BasePricePerKWh,
		Currency:        tariff.Currency,
	}
	if err := d.store.CreateOrder(ctx, order); err != nil {
		d.logger.Warnf("Failed to create order for session %d: %v", session.ID, err)
	}
}

// handleMeterValues 采样值上报。
// 优先按transactionId关联会话，其次取EVSE当前活跃会话，都没有则丢弃。
func (d *Dispatcher) handleMeterValues(ctx context.Context, chargerID string, req *ocpp16.MeterValuesRequest) (*ocpp16.MeterValuesResponse, error) {
	var session *store.ChargingSession
	if req.TransactionId != nil {
		if found, err := d.store.SessionByTransaction(ctx, chargerID, *req.TransactionId); err == nil {
			session = found
		}
	}
	if session == nil {
		if found, err := d.store.ActiveSessionByEVSE(ctx, chargerID, req.ConnectorId); err == nil {
			session = found
		}
	}
	if session == nil {
		d.logger.Debugf("MeterValues from %s without matching session, dropped", chargerID)
		return &ocpp16.MeterValuesResponse{}, nil
	}

	connectorID := req.ConnectorId
	for _, mv := range req.MeterValue {
		for _, sv := range mv.SampledValue {
			row := &store.MeterValue{
				SessionID:   session.ID,
				ConnectorID: &connectorID,
				Timestamp:   mv.Timestamp.Time,
				Value:       sv.Value,
			}
			if sv.Measurand != nil {
				row.Measurand = *sv.Measurand
			}
			if sv.Unit != nil {
				row.Unit = *sv.Unit
			}
			if err := d.store.AddMeterValue(ctx, row); err != nil {
				return nil, err
			}
		}
	}
	return &ocpp16.MeterValuesResponse{}, nil
}

// handleDataTransfer 厂商自定义数据透传，一律接受
func (d *Dispatcher) handleDataTransfer(_ context.Context, chargerID string, req *ocpp16.DataTransferRequest) (*ocpp16.DataTransferResponse, error) {
	d.logger.Infof("DataTransfer from %s: vendor %s", chargerID, req.VendorId)
	return &ocpp16.DataTransferResponse{Status: "Accepted"}, nil
}

// appendEvent 落库设备事件并投递到下游，失败只记日志
func (d *Dispatcher) appendEvent(ctx context.Context, chargerID, deviceSerial, eventType string, details map[string]interface{}, status, previousStatus *string) {
	event := &store.DeviceEvent{
		ChargePointID:  chargerID,
		EventType:      eventType,
		Status:         status,
		PreviousStatus: previousStatus,
		Timestamp:      time.Now().UTC(),
	}
	if deviceSerial != "" {
		event.DeviceSerialNumber = &deviceSerial
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			event.Details = string(data)
		}
	}
	if err := d.store.AppendDeviceEvent(ctx, event); err != nil {
		d.logger.Warnf("Failed to append device event %s for %s: %v", eventType, chargerID, err)
	}
	if d.sink != nil {
		d.sink.Publish(event)
	}
}
