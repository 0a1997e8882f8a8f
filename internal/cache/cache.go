package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config 缓存配置
type Config struct {
	MaxSize    int           // 条目数上限，超出时按LRU淘汰
	DefaultTTL time.Duration // 条目默认存活时间，<=0表示不过期
}

// DefaultConfig 默认缓存配置
func DefaultConfig() *Config {
	return &Config{
		MaxSize:    4096,
		DefaultTTL: 10 * time.Minute,
	}
}

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// Cache 带TTL的LRU缓存，用于热路径上的读穿透
type Cache struct {
	mutex  sync.Mutex
	items  map[string]*list.Element
	order  *list.List // 头部为最近使用
	config *Config
}

// New 创建缓存
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	return &Cache{
		items:  make(map[string]*list.Element),
		order:  list.New(),
		config: config,
	}
}

// Get 读取缓存项，过期条目在读取时惰性移除
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return e.value, true
}

// Set 写入缓存项，ttl<=0时使用默认TTL
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	for len(c.items) > c.config.MaxSize {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.order.Remove(tail)
		delete(c.items, tail.Value.(*entry).key)
	}
}

// Delete 移除缓存项
func (c *Cache) Delete(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.items, key)
	return true
}

// Len 当前条目数
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.items)
}
