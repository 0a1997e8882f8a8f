package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/charging-platform/ocpp-csms/internal/config"
	"github.com/charging-platform/ocpp-csms/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/metrics"
	"github.com/charging-platform/ocpp-csms/internal/store"
)

// Envelope 事件topic上的消息体
type Envelope struct {
	ChargePointID  string          `json:"chargePointId"`
	EventType      string          `json:"eventType"`
	Status         *string         `json:"status,omitempty"`
	PreviousStatus *string         `json:"previousStatus,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	Timestamp      ocpp16.DateTime `json:"timestamp"`
}

// Producer 设备事件Kafka生产者，实现dispatch.EventSink
type Producer struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *logger.Logger
}

// NewProducer 创建事件生产者
func NewProducer(cfg config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Compression = sarama.CompressionSnappy
	saramaCfg.Producer.Flush.Frequency = 500 * time.Millisecond
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}
	return NewProducerWithSarama(producer, cfg.EventTopic, log), nil
}

// NewProducerWithSarama 以注入的AsyncProducer构造，供测试使用
func NewProducerWithSarama(producer sarama.AsyncProducer, topic string, log *logger.Logger) *Producer {
	p := &Producer{producer: producer, topic: topic, logger: log}
	go p.handleSuccesses()
	go p.handleErrors()
	return p
}

// Publish 异步发布一条设备事件，chargePointId作为分区键保证同桩事件有序
func (p *Producer) Publish(event *store.DeviceEvent) {
	envelope := Envelope{
		ChargePointID:  event.ChargePointID,
		EventType:      event.EventType,
		Status:         event.Status,
		PreviousStatus: event.PreviousStatus,
		Timestamp:      ocpp16.NewDateTime(event.Timestamp),
	}
	if event.Details != "" {
		envelope.Details = json.RawMessage(event.Details)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		p.logger.ErrorWithErr(err, "Failed to marshal device event")
		return
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ChargePointID),
		Value: sarama.ByteEncoder(data),
	}
	metrics.EventsPublished.WithLabelValues(event.EventType).Inc()
}

// Close 关闭生产者，未刷出的消息会先落盘到broker
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *Producer) handleSuccesses() {
	for msg := range p.producer.Successes() {
		p.logger.Debugf("Event published to %s, key=%s", msg.Topic, msg.Key)
	}
}

func (p *Producer) handleErrors() {
	for err := range p.producer.Errors() {
		p.logger.Errorf("Failed to publish event to %s: %v", err.Msg.Topic, err.Err)
	}
}
