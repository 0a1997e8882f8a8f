package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/charging-platform/ocpp-csms/internal/config"
	"github.com/charging-platform/ocpp-csms/internal/logger"
)

// Command 命令topic上的运营指令
type Command struct {
	ChargePointID  string          `json:"chargePointId"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// CommandHandler 指令处理函数
type CommandHandler func(cmd *Command)

// SaramaConsumerGroup sarama消费者组子集，便于测试注入
type SaramaConsumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}

// Consumer 命令topic消费者，把外部系统下发的指令转交给传输层
type Consumer struct {
	group   SaramaConsumerGroup
	topic   string
	podID   string
	logger  *logger.Logger
	handler CommandHandler
	cancel  context.CancelFunc
}

// NewConsumer 创建命令消费者
func NewConsumer(cfg config.KafkaConfig, podID string, log *logger.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRange()
	saramaCfg.Consumer.Group.Session.Timeout = 10 * time.Second
	saramaCfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sarama consumer group: %w", err)
	}

	go func() {
		for err := range group.Errors() {
			log.Errorf("Sarama consumer group error: %v", err)
		}
	}()

	return NewConsumerWithGroup(group, cfg.CommandTopic, podID, log), nil
}

// NewConsumerWithGroup 以注入的消费者组构造，供测试使用
func NewConsumerWithGroup(group SaramaConsumerGroup, topic, podID string, log *logger.Logger) *Consumer {
	return &Consumer{group: group, topic: topic, podID: podID, logger: log}
}

// NewConsumerForTest 不连接broker的消费者实例，仅用于直接驱动ConsumeClaim
func NewConsumerForTest(podID string, log *logger.Logger, handler CommandHandler) *Consumer {
	return &Consumer{podID: podID, logger: log, handler: handler}
}

// Start 启动消费循环
func (c *Consumer) Start(handler CommandHandler) error {
	c.handler = handler

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer cancel()
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
				c.logger.Errorf("Error from Kafka consumer group: %v", err)
				if ctx.Err() != nil {
					c.logger.Info("Kafka consumer context cancelled, stopping consumption")
					return
				}
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

// Close 停止消费并关闭消费者组
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		return c.group.Close()
	}
	return nil
}

// Setup 实现sarama.ConsumerGroupHandler
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Infof("Pod %s joined command consumer group", c.podID)
	return nil
}

// Cleanup 实现sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条解码并转交指令，坏消息标记后跳过
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		session.MarkMessage(message, "")

		var cmd Command
		if err := json.Unmarshal(message.Value, &cmd); err != nil {
			c.logger.Errorf("Failed to unmarshal command: %v, message: %s", err, string(message.Value))
			continue
		}
		if cmd.ChargePointID == "" || cmd.Action == "" {
			c.logger.Warnf("Dropping command without chargePointId or action: %s", string(message.Value))
			continue
		}
		c.handler(&cmd)
	}
	return nil
}
