package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存Store实现，用于测试和本地开发
type MemoryStore struct {
	mutex sync.RWMutex

	devices      map[string]*Device
	chargePoints map[string]*ChargePoint
	evses        map[string]map[int]*EVSE
	statuses     map[string]map[int]*EVSEStatus
	sessions     []*ChargingSession
	meterValues  []*MeterValue
	tariffs      []*Tariff
	orders       []*Order
	events       []*DeviceEvent

	nextEVSEID    uint
	nextSessionID uint
	nextTxID      int
}

// NewMemoryStore 创建内存Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:      make(map[string]*Device),
		chargePoints: make(map[string]*ChargePoint),
		evses:        make(map[string]map[int]*EVSE),
		statuses:     make(map[string]map[int]*EVSEStatus),
		nextEVSEID:   1,
		nextSessionID: 1,
		nextTxID:     1,
	}
}

// DeviceBySerial 按SN查询设备
func (s *MemoryStore) DeviceBySerial(_ context.Context, serial string) (*Device, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	device, ok := s.devices[serial]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *device
	return &copied, nil
}

// SaveDevice 创建或更新设备
func (s *MemoryStore) SaveDevice(_ context.Context, device *Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *device
	s.devices[device.SerialNumber] = &copied
	return nil
}

// TouchDeviceConnected 更新设备最后连接时间
func (s *MemoryStore) TouchDeviceConnected(_ context.Context, serial string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if device, ok := s.devices[serial]; ok {
		t := at
		device.LastConnected = &t
	}
	return nil
}

// ChargePointByID 按ID查询充电桩
func (s *MemoryStore) ChargePointByID(_ context.Context, id string) (*ChargePoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	cp, ok := s.chargePoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

// ChargePointByDeviceSerial 按关联设备SN查询充电桩
func (s *MemoryStore) ChargePointByDeviceSerial(_ context.Context, serial string) (*ChargePoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, cp := range s.chargePoints {
		if cp.DeviceSerialNumber != nil && *cp.DeviceSerialNumber == serial {
			copied := *cp
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// UpsertChargePoint 创建或更新充电桩
func (s *MemoryStore) UpsertChargePoint(_ context.Context, cp *ChargePoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *cp
	s.chargePoints[cp.ID] = &copied
	return nil
}

// TouchChargePoint 更新充电桩last_seen
func (s *MemoryStore) TouchChargePoint(_ context.Context, id string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if cp, ok := s.chargePoints[id]; ok {
		t := at
		cp.LastSeen = &t
	}
	return nil
}

// EnsureEVSE 按(chargePointID, evseID)获取EVSE，不存在则连同状态行创建
func (s *MemoryStore) EnsureEVSE(_ context.Context, chargePointID string, evseID int) (*EVSE, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.evses[chargePointID] == nil {
		s.evses[chargePointID] = make(map[int]*EVSE)
	}
	if evse, ok := s.evses[chargePointID][evseID]; ok {
		copied := *evse
		return &copied, nil
	}

	evse := &EVSE{ID: s.nextEVSEID, ChargePointID: chargePointID, EVSEID: evseID, CreatedAt: time.Now().UTC()}
	s.nextEVSEID++
	s.evses[chargePointID][evseID] = evse

	if s.statuses[chargePointID] == nil {
		s.statuses[chargePointID] = make(map[int]*EVSEStatus)
	}
	if _, ok := s.statuses[chargePointID][evseID]; !ok {
		s.statuses[chargePointID][evseID] = &EVSEStatus{
			ChargePointID: chargePointID,
			EVSEID:        evseID,
			Status:        "Unknown",
			LastSeen:      time.Now().UTC(),
		}
	}

	copied := *evse
	return &copied, nil
}

// EVSEStatusFor 查询EVSE状态行
func (s *MemoryStore) EVSEStatusFor(_ context.Context, chargePointID string, evseID int) (*EVSEStatus, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if statuses, ok := s.statuses[chargePointID]; ok {
		if status, ok := statuses[evseID]; ok {
			copied := *status
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateEVSEStatus 更新EVSE状态，时间戳只进不退
func (s *MemoryStore) UpdateEVSEStatus(_ context.Context, chargePointID string, evseID int, status, errorCode string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.statuses[chargePointID] == nil {
		s.statuses[chargePointID] = make(map[int]*EVSEStatus)
	}
	row, ok := s.statuses[chargePointID][evseID]
	if !ok {
		s.statuses[chargePointID][evseID] = &EVSEStatus{
			ChargePointID: chargePointID,
			EVSEID:        evseID,
			Status:        status,
			ErrorCode:     errorCode,
			LastSeen:      at,
		}
		return nil
	}
	if at.Before(row.LastSeen) {
		return nil
	}
	row.Status = status
	row.ErrorCode = errorCode
	row.LastSeen = at
	return nil
}

// SetEVSESession 绑定或解除EVSE当前会话
func (s *MemoryStore) SetEVSESession(_ context.Context, chargePointID string, evseID int, sessionID *uint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if statuses, ok := s.statuses[chargePointID]; ok {
		if row, ok := statuses[evseID]; ok {
			row.CurrentSessionID = sessionID
		}
	}
	return nil
}

// NextTransactionID 分配单调递增的transactionId
func (s *MemoryStore) NextTransactionID(_ context.Context) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	next := s.nextTxID
	s.nextTxID++
	return next, nil
}

// CreateSession 创建充电会话
func (s *MemoryStore) CreateSession(_ context.Context, session *ChargingSession) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	session.ID = s.nextSessionID
	s.nextSessionID++
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	copied := *session
	s.sessions = append(s.sessions, &copied)
	return nil
}

// UpdateSession 保存充电会话
func (s *MemoryStore) UpdateSession(_ context.Context, session *ChargingSession) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, existing := range s.sessions {
		if existing.ID == session.ID {
			copied := *session
			s.sessions[i] = &copied
			return nil
		}
	}
	return ErrNotFound
}

// ActiveSessionByEVSE 查询EVSE上的活跃会话
func (s *MemoryStore) ActiveSessionByEVSE(_ context.Context, chargePointID string, evseID int) (*ChargingSession, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, session := range s.sessions {
		if session.ChargePointID == chargePointID && session.EVSEID == evseID && session.Status == SessionStatusActive {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// SessionByTransaction 按transactionId查询会话
func (s *MemoryStore) SessionByTransaction(_ context.Context, chargePointID string, transactionID int) (*ChargingSession, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, session := range s.sessions {
		if session.ChargePointID == chargePointID && session.TransactionID == transactionID {
			copied := *session
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// AddMeterValue 追加采样值
func (s *MemoryStore) AddMeterValue(_ context.Context, mv *MeterValue) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *mv
	copied.ID = uint(len(s.meterValues) + 1)
	s.meterValues = append(s.meterValues, &copied)
	return nil
}

// MeterValuesForSession 查询会话的采样值，测试用
func (s *MemoryStore) MeterValuesForSession(sessionID uint) []*MeterValue {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var result []*MeterValue
	for _, mv := range s.meterValues {
		if mv.SessionID == sessionID {
			copied := *mv
			result = append(result, &copied)
		}
	}
	return result
}

// AddTariff 注册计价规则，测试和初始化用
func (s *MemoryStore) AddTariff(tariff *Tariff) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *tariff
	copied.ID = uint(len(s.tariffs) + 1)
	s.tariffs = append(s.tariffs, &copied)
}

// ActiveTariff 查询时间点上有效的计价规则，站点专属优先
func (s *MemoryStore) ActiveTariff(_ context.Context, siteID *string, at time.Time) (*Tariff, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var best *Tariff
	matches := func(t *Tariff, wantSite *string) bool {
		if !t.Active || t.ValidFrom.After(at) {
			return false
		}
		if t.ValidUntil != nil && !t.ValidUntil.After(at) {
			return false
		}
		if wantSite == nil {
			return t.SiteID == nil
		}
		return t.SiteID != nil && *t.SiteID == *wantSite
	}
	pick := func(wantSite *string) *Tariff {
		var found *Tariff
		for _, t := range s.tariffs {
			if matches(t, wantSite) && (found == nil || t.ValidFrom.After(found.ValidFrom)) {
				found = t
			}
		}
		return found
	}

	if siteID != nil {
		best = pick(siteID)
	}
	if best == nil {
		best = pick(nil)
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copied := *best
	return &copied, nil
}

// CreateOrder 创建订单
func (s *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *order
	copied.ID = uint(len(s.orders) + 1)
	order.ID = copied.ID
	s.orders = append(s.orders, &copied)
	return nil
}

// Orders 全部订单，测试用
func (s *MemoryStore) Orders() []*Order {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	result := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		copied := *o
		result = append(result, &copied)
	}
	return result
}

// AppendDeviceEvent 追加设备事件
func (s *MemoryStore) AppendDeviceEvent(_ context.Context, event *DeviceEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *event
	copied.ID = uint(len(s.events) + 1)
	s.events = append(s.events, &copied)
	return nil
}

// EventsByType 按类型查询设备事件，测试用
func (s *MemoryStore) EventsByType(eventType string) []*DeviceEvent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var result []*DeviceEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			copied := *e
			result = append(result, &copied)
		}
	}
	return result
}
