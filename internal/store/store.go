package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("entity not found")

// Store 实体持久化接口
type Store interface {
	// 设备
	DeviceBySerial(ctx context.Context, serial string) (*Device, error)
	SaveDevice(ctx context.Context, device *Device) error
	TouchDeviceConnected(ctx context.Context, serial string, at time.Time) error

	// 充电桩
	ChargePointByID(ctx context.Context, id string) (*ChargePoint, error)
	ChargePointByDeviceSerial(ctx context.Context, serial string) (*ChargePoint, error)
	UpsertChargePoint(ctx context.Context, cp *ChargePoint) error
	TouchChargePoint(ctx context.Context, id string, at time.Time) error

	// EVSE与状态
	EnsureEVSE(ctx context.Context, chargePointID string, evseID int) (*EVSE, error)
	EVSEStatusFor(ctx context.Context, chargePointID string, evseID int) (*EVSEStatus, error)
	UpdateEVSEStatus(ctx context.Context, chargePointID string, evseID int, status, errorCode string, at time.Time) error
	SetEVSESession(ctx context.Context, chargePointID string, evseID int, sessionID *uint) error

	// 充电会话
	NextTransactionID(ctx context.Context) (int, error)
	CreateSession(ctx context.Context, session *ChargingSession) error
	UpdateSession(ctx context.Context, session *ChargingSession) error
	ActiveSessionByEVSE(ctx context.Context, chargePointID string, evseID int) (*ChargingSession, error)
	SessionByTransaction(ctx context.Context, chargePointID string, transactionID int) (*ChargingSession, error)
	AddMeterValue(ctx context.Context, mv *MeterValue) error

	// 计价与订单
	ActiveTariff(ctx context.Context, siteID *string, at time.Time) (*Tariff, error)
	CreateOrder(ctx context.Context, order *Order) error

	// 事件审计
	AppendDeviceEvent(ctx context.Context, event *DeviceEvent) error
}
