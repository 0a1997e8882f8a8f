package store

import (
	"time"
)

// 会话状态
const (
	SessionStatusActive    = "Active"
	SessionStatusCompleted = "Completed"
	SessionStatusAborted   = "Aborted"
)

// 设备事件类型
const (
	EventTypeBoot      = "boot"
	EventTypeHeartbeat = "heartbeat"
	EventTypeStatus    = "status"
	EventTypeError     = "error"
	EventTypeSession   = "session"
)

// StationConnectorID StatusNotification中connectorId=0表示整站
const StationConnectorID = 0

// Site 站点，充电桩的逻辑分组
type Site struct {
	ID        string  `gorm:"primaryKey;size:64"`
	Name      string  `gorm:"size:255"`
	Address   string  `gorm:"size:500"`
	Latitude  float64 `gorm:"type:decimal(10,7)"`
	Longitude float64 `gorm:"type:decimal(10,7)"`
	Active    bool    `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChargePoint 充电桩
type ChargePoint struct {
	ID                 string  `gorm:"primaryKey;size:64"`
	SiteID             *string `gorm:"size:64;index"`
	Vendor             string  `gorm:"size:64"`
	Model              string  `gorm:"size:64"`
	SerialNumber       string  `gorm:"size:64;index"`
	FirmwareVersion    string  `gorm:"size:64"`
	DeviceSerialNumber *string `gorm:"size:64;index"`
	RegistrationStatus string  `gorm:"size:32;default:Unknown"`
	LastSeen           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EVSE 充电桩上的一个连接器，(charge_point_id, evse_id)唯一
type EVSE struct {
	ID            uint   `gorm:"primaryKey"`
	ChargePointID string `gorm:"size:64;uniqueIndex:uniq_cp_evse"`
	EVSEID        int    `gorm:"uniqueIndex:uniq_cp_evse"`
	ConnectorType string `gorm:"size:32"`
	MaxPowerKW    float64
	CreatedAt     time.Time
}

// EVSEStatus EVSE当前状态，每个EVSE恰好一行；EVSEID=0的行表示整站状态
type EVSEStatus struct {
	ID               uint   `gorm:"primaryKey"`
	ChargePointID    string `gorm:"size:64;uniqueIndex:uniq_cp_evse_status"`
	EVSEID           int    `gorm:"uniqueIndex:uniq_cp_evse_status"`
	Status           string `gorm:"size:32;default:Unknown"`
	ErrorCode        string `gorm:"size:64"`
	LastSeen         time.Time
	CurrentSessionID *uint
}

// Device 凭证化的物理设备，serial_number为主键
type Device struct {
	SerialNumber          string `gorm:"primaryKey;size:64"`
	TypeCode              string `gorm:"size:32;index"`
	MQTTClientID          string `gorm:"size:128"`
	MQTTUsername          string `gorm:"size:64;index"`
	MasterSecretEncrypted string `gorm:"size:1024"`
	EncryptionAlgorithm   string `gorm:"size:32;default:AES-256-GCM"`
	IsActive              bool   `gorm:"default:true"`
	LastConnected         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ChargingSession 一次充电交易，(charge_point_id, evse_id, transaction_id)唯一
type ChargingSession struct {
	ID            uint   `gorm:"primaryKey"`
	TransactionID int    `gorm:"uniqueIndex:uniq_cp_evse_tx"`
	ChargePointID string `gorm:"size:64;uniqueIndex:uniq_cp_evse_tx"`
	EVSEID        int    `gorm:"uniqueIndex:uniq_cp_evse_tx"`
	IdTag         string `gorm:"size:32"`
	UserID        *string `gorm:"size:64"`
	StartTime     time.Time
	EndTime       *time.Time
	MeterStart    int
	MeterStop     *int
	Status        string `gorm:"size:16;index;default:Active"`
	StopReason    *string `gorm:"size:32"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EnergyKWh 已完成会话的电量，单位kWh
func (s *ChargingSession) EnergyKWh() float64 {
	if s.MeterStop == nil {
		return 0
	}
	return float64(*s.MeterStop-s.MeterStart) / 1000.0
}

// DurationSeconds 会话时长，单位秒
func (s *ChargingSession) DurationSeconds() int {
	if s.EndTime == nil {
		return 0
	}
	return int(s.EndTime.Sub(s.StartTime).Seconds())
}

// MeterValue 会话的周期性采样值，只追加
type MeterValue struct {
	ID          uint `gorm:"primaryKey"`
	SessionID   uint `gorm:"index"`
	ConnectorID *int
	Timestamp   time.Time
	Measurand   string `gorm:"size:64"`
	Value       string `gorm:"size:64"`
	Unit        string `gorm:"size:16"`
}

// Tariff 站点计价规则
type Tariff struct {
	ID              uint    `gorm:"primaryKey"`
	SiteID          *string `gorm:"size:64;index"`
	BasePricePerKWh float64 `gorm:"type:decimal(10,4)"`
	Currency        string  `gorm:"size:8;default:EUR"`
	ValidFrom       time.Time
	ValidUntil      *time.Time
	Active          bool `gorm:"default:true"`
}

// Order 会话结束时生成的订单，带计价快照
type Order struct {
	ID              uint   `gorm:"primaryKey"`
	SessionID       uint   `gorm:"uniqueIndex"`
	ChargePointID   string `gorm:"size:64;index"`
	TariffID        *uint
	EnergyKWh       float64 `gorm:"type:decimal(10,3)"`
	DurationSeconds int
	PricePerKWh     float64 `gorm:"type:decimal(10,4)"`
	Amount          float64 `gorm:"type:decimal(10,2)"`
	Currency        string  `gorm:"size:8"`
	CreatedAt       time.Time
}

// DeviceEvent 设备事件审计日志，只追加
type DeviceEvent struct {
	ID                 uint   `gorm:"primaryKey"`
	ChargePointID      string `gorm:"size:64;index"`
	DeviceSerialNumber *string `gorm:"size:64"`
	EventType          string  `gorm:"size:32;index"`
	Status             *string `gorm:"size:32"`
	PreviousStatus     *string `gorm:"size:32"`
	Details            string  `gorm:"type:text"`
	Timestamp          time.Time `gorm:"index"`
}

// TransactionCounter 全局transactionId计数器，单行
type TransactionCounter struct {
	ID      uint `gorm:"primaryKey"`
	NextVal int
}
