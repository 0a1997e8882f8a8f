package credentials

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/store"
)

// ErrAuthenticationFailed 设备认证失败
var ErrAuthenticationFailed = errors.New("authentication failed")

// Verifier 设备凭证校验器
type Verifier struct {
	store  store.Store
	cipher *Cipher
	logger *logger.Logger
}

// NewVerifier 创建凭证校验器
func NewVerifier(st store.Store, cipher *Cipher, log *logger.Logger) *Verifier {
	return &Verifier{store: st, cipher: cipher, logger: log}
}

// ParseClientID 解析clientId "{typeCode}&{serial}"
func ParseClientID(clientID string) (typeCode, serialNumber string, err error) {
	parts := strings.SplitN(clientID, "&", 2)
	if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("%w: invalid client id format, expected type_code&serial_number", ErrAuthenticationFailed)
	}
	return parts[0], parts[1], nil
}

// Authenticate 校验设备握手凭证 (clientId, username, password)。
// 设备必须存在且激活；clientId/username/typeCode需与登记一致；密码恒定时间比较。
func (v *Verifier) Authenticate(ctx context.Context, clientID, username, password string) error {
	typeCode, serialNumber, err := ParseClientID(clientID)
	if err != nil {
		return err
	}
	if username != serialNumber {
		return fmt.Errorf("%w: username does not match serial number", ErrAuthenticationFailed)
	}
	if len(password) != passwordLength {
		return fmt.Errorf("%w: password must be %d characters", ErrAuthenticationFailed, passwordLength)
	}

	device, err := v.store.DeviceBySerial(ctx, serialNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			v.logger.Warnf("Device not found: %s", serialNumber)
			return fmt.Errorf("%w: device not found", ErrAuthenticationFailed)
		}
		return fmt.Errorf("device lookup failed: %w", err)
	}
	if !device.IsActive {
		v.logger.Warnf("Device is inactive: %s", serialNumber)
		return fmt.Errorf("%w: device is inactive", ErrAuthenticationFailed)
	}
	if device.MQTTClientID != clientID {
		return fmt.Errorf("%w: client id mismatch", ErrAuthenticationFailed)
	}
	if device.MQTTUsername != username {
		return fmt.Errorf("%w: username mismatch", ErrAuthenticationFailed)
	}
	if device.TypeCode != typeCode {
		return fmt.Errorf("%w: device type code mismatch", ErrAuthenticationFailed)
	}

	masterSecret, err := v.cipher.DecryptMasterSecret(device.MasterSecretEncrypted)
	if err != nil {
		v.logger.ErrorWithErr(err, "Failed to decrypt master secret")
		return fmt.Errorf("credential decryption failed: %w", err)
	}
	expected := DerivePassword(masterSecret, serialNumber)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 {
		v.logger.Warnf("Password mismatch for device %s", serialNumber)
		return fmt.Errorf("%w: password mismatch", ErrAuthenticationFailed)
	}

	if err := v.store.TouchDeviceConnected(ctx, serialNumber, time.Now().UTC()); err != nil {
		v.logger.Warnf("Failed to update last_connected for %s: %v", serialNumber, err)
	}
	v.logger.Infof("Device authenticated: %s (type: %s)", serialNumber, typeCode)
	return nil
}

// AuthenticateBasic 校验HTTP/WebSocket握手的Basic凭证，username为设备SN
func (v *Verifier) AuthenticateBasic(ctx context.Context, username, password string) error {
	device, err := v.store.DeviceBySerial(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: device not found", ErrAuthenticationFailed)
		}
		return fmt.Errorf("device lookup failed: %w", err)
	}
	return v.Authenticate(ctx, device.MQTTClientID, username, password)
}

// CheckTopicPermission 校验设备对topic的权限。
// 设备只能发布到 .../user/up，只能订阅 .../user/down。
func (v *Verifier) CheckTopicPermission(ctx context.Context, username, topic, operation string) error {
	device, err := v.store.DeviceBySerial(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: device not found", ErrAuthenticationFailed)
		}
		return fmt.Errorf("device lookup failed: %w", err)
	}
	if !device.IsActive {
		return fmt.Errorf("%w: device is inactive", ErrAuthenticationFailed)
	}

	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[2] != "user" {
		return fmt.Errorf("%w: invalid topic format %s", ErrAuthenticationFailed, topic)
	}
	typeCode, serialNumber, direction := parts[0], parts[1], parts[3]
	if serialNumber != username {
		return fmt.Errorf("%w: serial number in topic does not match username", ErrAuthenticationFailed)
	}
	if device.TypeCode != typeCode {
		return fmt.Errorf("%w: device type mismatch", ErrAuthenticationFailed)
	}

	switch operation {
	case "publish":
		if direction != "up" {
			return fmt.Errorf("%w: device can only publish to .../user/up", ErrAuthenticationFailed)
		}
	case "subscribe":
		if direction != "down" {
			return fmt.Errorf("%w: device can only subscribe to .../user/down", ErrAuthenticationFailed)
		}
	default:
		return fmt.Errorf("%w: invalid operation %s", ErrAuthenticationFailed, operation)
	}
	return nil
}

// TopicUp 设备上行topic
func TopicUp(typeCode, serialNumber string) string {
	return fmt.Sprintf("%s/%s/user/up", typeCode, serialNumber)
}

// TopicDown 服务器下行topic
func TopicDown(typeCode, serialNumber string) string {
	return fmt.Sprintf("%s/%s/user/down", typeCode, serialNumber)
}

// RegisterDevice 登记设备：加密master secret并写入规范化的MQTT身份
func (v *Verifier) RegisterDevice(ctx context.Context, serialNumber, typeCode, masterSecret string) (*store.Device, error) {
	encrypted, err := v.cipher.EncryptMasterSecret(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt master secret: %w", err)
	}
	device := &store.Device{
		SerialNumber:          serialNumber,
		TypeCode:              typeCode,
		MQTTClientID:          fmt.Sprintf("%s&%s", typeCode, serialNumber),
		MQTTUsername:          serialNumber,
		MasterSecretEncrypted: encrypted,
		EncryptionAlgorithm:   "AES-256-GCM",
		IsActive:              true,
	}
	if err := v.store.SaveDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to save device: %w", err)
	}
	return device, nil
}

// DeviceInfoForChargePoint 由chargePointId解析设备(typeCode, serial)。
// 优先走ChargePoint.device_serial_number关联，其次chargePointId本身即SN。
func (v *Verifier) DeviceInfoForChargePoint(ctx context.Context, chargePointID string) (typeCode, serialNumber string, err error) {
	if cp, err := v.store.ChargePointByID(ctx, chargePointID); err == nil && cp.DeviceSerialNumber != nil {
		if device, err := v.store.DeviceBySerial(ctx, *cp.DeviceSerialNumber); err == nil {
			return device.TypeCode, device.SerialNumber, nil
		}
	}
	if device, err := v.store.DeviceBySerial(ctx, chargePointID); err == nil {
		return device.TypeCode, device.SerialNumber, nil
	}
	return "", "", store.ErrNotFound
}
