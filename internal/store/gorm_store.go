package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/charging-platform/ocpp-csms/internal/config"
)

// GormStore 基于gorm+Postgres的Store实现
type GormStore struct {
	db *gorm.DB
}

// Open 打开数据库连接并迁移schema
func Open(cfg config.DatabaseConfig) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(
		&Site{}, &ChargePoint{}, &EVSE{}, &EVSEStatus{}, &Device{},
		&ChargingSession{}, &MeterValue{}, &Tariff{}, &Order{},
		&DeviceEvent{}, &TransactionCounter{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// NewGormStore 由已有gorm.DB构造
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Close 关闭底层连接池
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// DeviceBySerial 按SN查询设备
func (s *GormStore) DeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	var device Device
	if err := s.db.WithContext(ctx).First(&device, "serial_number = ?", serial).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &device, nil
}

// SaveDevice 创建或更新设备
func (s *GormStore) SaveDevice(ctx context.Context, device *Device) error {
	return s.db.WithContext(ctx).Save(device).Error
}

// TouchDeviceConnected 更新设备最后连接时间
func (s *GormStore) TouchDeviceConnected(ctx context.Context, serial string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Device{}).
		Where("serial_number = ?", serial).
		Update("last_connected", at).Error
}

// ChargePointByID 按ID查询充电桩
func (s *GormStore) ChargePointByID(ctx context.Context, id string) (*ChargePoint, error) {
	var cp ChargePoint
	if err := s.db.WithContext(ctx).First(&cp, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &cp, nil
}

// ChargePointByDeviceSerial 按关联设备SN查询充电桩
func (s *GormStore) ChargePointByDeviceSerial(ctx context.Context, serial string) (*ChargePoint, error) {
	var cp ChargePoint
	if err := s.db.WithContext(ctx).First(&cp, "device_serial_number = ?", serial).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &cp, nil
}

// UpsertChargePoint 创建或更新充电桩
func (s *GormStore) UpsertChargePoint(ctx context.Context, cp *ChargePoint) error {
	return s.db.WithContext(ctx).Save(cp).Error
}

// TouchChargePoint 更新充电桩last_seen
func (s *GormStore) TouchChargePoint(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ChargePoint{}).
		Where("id = ?", id).
		Update("last_seen", at).Error
}

// EnsureEVSE 按(chargePointID, evseID)获取EVSE，不存在则连同状态行一起创建
func (s *GormStore) EnsureEVSE(ctx context.Context, chargePointID string, evseID int) (*EVSE, error) {
	var evse EVSE
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&evse, "charge_point_id = ? AND evse_id = ?", chargePointID, evseID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		evse = EVSE{ChargePointID: chargePointID, EVSEID: evseID}
		if err := tx.Create(&evse).Error; err != nil {
			return err
		}
		status := EVSEStatus{
			ChargePointID: chargePointID,
			EVSEID:        evseID,
			Status:        "Unknown",
			LastSeen:      time.Now().UTC(),
		}
		return tx.Create(&status).Error
	})
	if err != nil {
		return nil, err
	}
	return &evse, nil
}

// EVSEStatusFor 查询EVSE状态行
func (s *GormStore) EVSEStatusFor(ctx context.Context, chargePointID string, evseID int) (*EVSEStatus, error) {
	var status EVSEStatus
	if err := s.db.WithContext(ctx).First(&status, "charge_point_id = ? AND evse_id = ?", chargePointID, evseID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &status, nil
}

// UpdateEVSEStatus 更新EVSE状态，状态行不存在则创建；时间戳只进不退
func (s *GormStore) UpdateEVSEStatus(ctx context.Context, chargePointID string, evseID int, status, errorCode string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row EVSEStatus
		err := tx.First(&row, "charge_point_id = ? AND evse_id = ?", chargePointID, evseID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = EVSEStatus{
				ChargePointID: chargePointID,
				EVSEID:        evseID,
				Status:        status,
				ErrorCode:     errorCode,
				LastSeen:      at,
			}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		if at.Before(row.LastSeen) {
			return nil
		}
		return tx.Model(&row).Updates(map[string]interface{}{
			"status":     status,
			"error_code": errorCode,
			"last_seen":  at,
		}).Error
	})
}

// SetEVSESession 绑定或解除EVSE当前会话
func (s *GormStore) SetEVSESession(ctx context.Context, chargePointID string, evseID int, sessionID *uint) error {
	return s.db.WithContext(ctx).Model(&EVSEStatus{}).
		Where("charge_point_id = ? AND evse_id = ?", chargePointID, evseID).
		Update("current_session_id", sessionID).Error
}

// NextTransactionID 分配单调递增的transactionId
func (s *GormStore) NextTransactionID(ctx context.Context) (int, error) {
	var next int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter TransactionCounter
		err := tx.Set("gorm:query_option", "FOR UPDATE").First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = TransactionCounter{NextVal: 1}
			if err := tx.Create(&counter).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		next = counter.NextVal
		return tx.Model(&counter).Update("next_val", counter.NextVal+1).Error
	})
	return next, err
}

// CreateSession 创建充电会话
func (s *GormStore) CreateSession(ctx context.Context, session *ChargingSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// UpdateSession 保存充电会话
func (s *GormStore) UpdateSession(ctx context.Context, session *ChargingSession) error {
	return s.db.WithContext(ctx).Save(session).Error
}

// ActiveSessionByEVSE 查询EVSE上的活跃会话
func (s *GormStore) ActiveSessionByEVSE(ctx context.Context, chargePointID string, evseID int) (*ChargingSession, error) {
	var session ChargingSession
	err := s.db.WithContext(ctx).
		First(&session, "charge_point_id = ? AND evse_id = ? AND status = ?", chargePointID, evseID, SessionStatusActive).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &session, nil
}

// SessionByTransaction 按transactionId查询会话
func (s *GormStore) SessionByTransaction(ctx context.Context, chargePointID string, transactionID int) (*ChargingSession, error) {
	var session ChargingSession
	err := s.db.WithContext(ctx).
		First(&session, "charge_point_id = ? AND transaction_id = ?", chargePointID, transactionID).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &session, nil
}

// AddMeterValue 追加采样值
func (s *GormStore) AddMeterValue(ctx context.Context, mv *MeterValue) error {
	return s.db.WithContext(ctx).Create(mv).Error
}

// ActiveTariff 查询时间点上有效的计价规则，站点专属优先于全局
func (s *GormStore) ActiveTariff(ctx context.Context, siteID *string, at time.Time) (*Tariff, error) {
	query := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("valid_from <= ?", at).
		Where("valid_until IS NULL OR valid_until > ?", at)

	if siteID != nil {
		var tariff Tariff
		err := query.Session(&gorm.Session{}).
			Where("site_id = ?", *siteID).
			Order("valid_from DESC").
			First(&tariff).Error
		if err == nil {
			return &tariff, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var tariff Tariff
	err := query.Where("site_id IS NULL").Order("valid_from DESC").First(&tariff).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &tariff, nil
}

// CreateOrder 创建订单
func (s *GormStore) CreateOrder(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// AppendDeviceEvent 追加设备事件
func (s *GormStore) AppendDeviceEvent(ctx context.Context, event *DeviceEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}
