package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/charging-platform/ocpp-csms/internal/cache"
	"github.com/charging-platform/ocpp-csms/internal/config"
	"github.com/charging-platform/ocpp-csms/internal/credentials"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/metrics"
	"github.com/charging-platform/ocpp-csms/internal/pending"
	"github.com/charging-platform/ocpp-csms/internal/registry"
	"github.com/charging-platform/ocpp-csms/internal/store"
	"github.com/charging-platform/ocpp-csms/internal/transport"
)

const defaultLivenessWindow = 5 * time.Minute

// Options MQTT适配器依赖
type Options struct {
	Config         config.MQTTConfig
	PodID          string
	RegistryTTL    time.Duration
	LivenessWindow time.Duration
	Handler        transport.InboundHandler
	Pending        *pending.Registry
	Registry       registry.ConnectionRegistry // 可为nil
	Store          store.Store
	Verifier       *credentials.Verifier
	Logger         *logger.Logger
}

// route 充电桩的下行投递路由
type route struct {
	typeCode     string
	serialNumber string
	lastHeard    time.Time
}

// Adapter MQTT传输适配器。
// 订阅 +/+/user/up 通配符，按topic中的(typeCode, serial)建立下行路由。
type Adapter struct {
	opts    Options
	client  pahomqtt.Client
	serials *cache.Cache // SN到chargePointId的映射缓存

	mutex  sync.RWMutex
	routes map[string]*route
}

// NewAdapter 创建MQTT适配器
func NewAdapter(opts Options) *Adapter {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = defaultLivenessWindow
	}
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10 * time.Minute
	}
	return &Adapter{
		opts:    opts,
		serials: cache.New(&cache.Config{MaxSize: 4096, DefaultTTL: 10 * time.Minute}),
		routes:  make(map[string]*route),
	}
}

// Name 传输名称
func (a *Adapter) Name() string {
	return transport.NameMQTT
}

// Start 连接broker并订阅上行通配符topic
func (a *Adapter) Start() error {
	cfg := a.opts.Config
	clientOpts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			a.opts.Logger.Warnf("MQTT connection lost: %v", err)
		})
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	a.client = pahomqtt.NewClient(clientOpts)
	token := a.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s failed: %w", cfg.BrokerURL, err)
	}
	return nil
}

// onConnect 订阅在每次（重）连接后补挂
func (a *Adapter) onConnect(client pahomqtt.Client) {
	token := client.Subscribe(a.opts.Config.TopicFilter, a.opts.Config.QoS, a.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		a.opts.Logger.Errorf("MQTT subscribe %s failed: %v", a.opts.Config.TopicFilter, err)
		return
	}
	a.opts.Logger.Infof("MQTT subscribed: %s", a.opts.Config.TopicFilter)
}

// Stop 断开broker连接
func (a *Adapter) Stop() error {
	if a.client != nil && a.client.IsConnected() {
		a.client.Unsubscribe(a.opts.Config.TopicFilter)
		a.client.Disconnect(250)
	}
	return nil
}

// SendCall 发布CALL到该桩的下行topic并等待上行回复
func (a *Adapter) SendCall(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	typeCode, serialNumber, err := a.resolveRoute(ctx, chargerID)
	if err != nil {
		return nil, transport.ErrNotConnected
	}
	topic := credentials.TopicDown(typeCode, serialNumber)

	return transport.Call(ctx, a.opts.Pending, chargerID, action, payload, timeout, func(data []byte) error {
		token := a.client.Publish(topic, a.opts.Config.QoS, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
		}
		return nil
	})
}

// IsConnected broker在线且该桩在存活窗口内有过上行消息
func (a *Adapter) IsConnected(chargerID string) bool {
	if a.client == nil || !a.client.IsConnected() {
		return false
	}
	a.mutex.RLock()
	r, ok := a.routes[chargerID]
	a.mutex.RUnlock()
	return ok && time.Since(r.lastHeard) <= a.opts.LivenessWindow
}

// onMessage 处理上行消息：解析topic、映射chargerId、调度并回发
func (a *Adapter) onMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	typeCode, serialNumber, err := ParseUpTopic(msg.Topic())
	if err != nil {
		a.opts.Logger.Warnf("Ignoring message on unexpected topic %s: %v", msg.Topic(), err)
		return
	}

	ctx := context.Background()
	chargerID := a.chargerIDForSerial(ctx, serialNumber)
	a.touch(chargerID, typeCode, serialNumber)

	reply := a.opts.Handler.HandleInbound(ctx, chargerID, serialNumber, msg.Payload())
	if reply == nil {
		return
	}
	token := client.Publish(credentials.TopicDown(typeCode, serialNumber), a.opts.Config.QoS, false, reply)
	token.Wait()
	if err := token.Error(); err != nil {
		a.opts.Logger.Warnf("Failed to publish reply for %s: %v", chargerID, err)
	}
}

// chargerIDForSerial 由设备SN反查chargePointId，未登记时SN即身份。
// 每条上行消息都走这条路径，结果缓存避免反复查库。
func (a *Adapter) chargerIDForSerial(ctx context.Context, serialNumber string) string {
	if v, ok := a.serials.Get(serialNumber); ok {
		return v.(string)
	}
	chargerID := serialNumber
	if a.opts.Store != nil {
		if cp, err := a.opts.Store.ChargePointByDeviceSerial(ctx, serialNumber); err == nil {
			chargerID = cp.ID
		}
	}
	a.serials.Set(serialNumber, chargerID, 0)
	return chargerID
}

// resolveRoute 出站路由解析：优先设备登记信息，其次最近上行建立的路由
func (a *Adapter) resolveRoute(ctx context.Context, chargerID string) (typeCode, serialNumber string, err error) {
	if a.opts.Verifier != nil {
		if typeCode, serialNumber, err = a.opts.Verifier.DeviceInfoForChargePoint(ctx, chargerID); err == nil {
			return typeCode, serialNumber, nil
		}
	}

	a.mutex.RLock()
	r, ok := a.routes[chargerID]
	a.mutex.RUnlock()
	if !ok {
		return "", "", store.ErrNotFound
	}
	return r.typeCode, r.serialNumber, nil
}

// touch 刷新路由与存活时间，并镜像到连接注册表
func (a *Adapter) touch(chargerID, typeCode, serialNumber string) {
	now := time.Now()
	a.mutex.Lock()
	r, ok := a.routes[chargerID]
	if !ok {
		r = &route{typeCode: typeCode, serialNumber: serialNumber}
		a.routes[chargerID] = r
		metrics.ActiveConnections.WithLabelValues(a.Name()).Inc()
	}
	r.typeCode = typeCode
	r.serialNumber = serialNumber
	r.lastHeard = now
	a.mutex.Unlock()

	if a.opts.Registry != nil {
		if err := a.opts.Registry.SetConnection(context.Background(), chargerID, a.opts.PodID, a.opts.RegistryTTL); err != nil {
			a.opts.Logger.Warnf("Failed to register connection for %s: %v", chargerID, err)
		}
	}
}

// ParseUpTopic 解析上行topic "{typeCode}/{serial}/user/up"
func ParseUpTopic(topic string) (typeCode, serialNumber string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[2] != "user" || parts[3] != "up" {
		return "", "", errors.New("topic does not match {typeCode}/{serial}/user/up")
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("topic has empty type code or serial number")
	}
	return parts[0], parts[1], nil
}
