package kafka

import (
	"context"
	"errors"
	"time"

	"khisima/logger"

	"github.com/IBM/sarama"
)

type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	handler       MessageHandler
	log           *logger.Logger
}

func NewConsumer(brokers []string, groupID string, topics []string,
	config *sarama.Config, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Consumer{
		consumerGroup: consumerGroup,
		topics:        topics,
		handler:       handler,
		log:           log.With("component", "KafkaConsumer", "group", groupID),
	}, nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := c.handler.Handle(session.Context(), message); err != nil {
			c.log.Error("failed to process message", "topic", message.Topic, "offset", message.Offset, "error", err)
			continue
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// Start 阻塞消费，直到 ctx 结束或消费组关闭
func (c *Consumer) Start(ctx context.Context) error {
	go func() {
		for err := range c.consumerGroup.Errors() {
			c.log.Warn("consumer group error", "error", err)
		}
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.consumerGroup.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Warn("consume failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumerGroup.Close()
}
