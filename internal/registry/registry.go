package registry

import (
	"context"
	"sync"
	"time"
)

// ConnectionRegistry 充电桩连接位置登记接口。
// 多Pod部署时用于定位某充电桩当前由哪个Pod服务。
type ConnectionRegistry interface {
	// SetConnection 登记或刷新充电桩连接归属
	// chargerID: 充电桩唯一标识
	// podID: 当前服务该连接的Pod标识
	// ttl: 键过期时间，自动清理僵尸连接
	SetConnection(ctx context.Context, chargerID string, podID string, ttl time.Duration) error

	// GetConnection 查询充电桩当前归属的Pod，不存在时返回ErrConnectionNotFound
	GetConnection(ctx context.Context, chargerID string) (string, error)

	// DeleteConnection 注销充电桩连接登记
	DeleteConnection(ctx context.Context, chargerID string) error

	// Close 关闭后端连接
	Close() error
}

// MemoryRegistry 进程内连接登记，单Pod部署或Redis未启用时使用
type MemoryRegistry struct {
	mutex   sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	podID     string
	expiresAt time.Time
}

// NewMemoryRegistry 创建进程内连接登记
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]memoryEntry)}
}

// SetConnection 登记或刷新充电桩连接归属
func (m *MemoryRegistry) SetConnection(ctx context.Context, chargerID string, podID string, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.entries[chargerID] = memoryEntry{podID: podID, expiresAt: expiresAt}
	return nil
}

// GetConnection 查询充电桩当前归属的Pod
func (m *MemoryRegistry) GetConnection(ctx context.Context, chargerID string) (string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.entries[chargerID]
	if !ok {
		return "", ErrConnectionNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return "", ErrConnectionNotFound
	}
	return e.podID, nil
}

// DeleteConnection 注销充电桩连接登记
func (m *MemoryRegistry) DeleteConnection(ctx context.Context, chargerID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.entries, chargerID)
	return nil
}

// Close 进程内实现无资源可释放
func (m *MemoryRegistry) Close() error {
	return nil
}
