package kafka

import (
	"context"

	"khisima/logger"

	"github.com/IBM/sarama"
)

type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

func NewProducer(brokers []string, config *sarama.Config, log *logger.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerFrom(producer, log), nil
}

// NewProducerFrom 包装已有的 SyncProducer
func NewProducerFrom(producer sarama.SyncProducer, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.Nop()
	}
	return &Producer{producer: producer, log: log.With("component", "KafkaProducer")}
}

// Publish value 已是序列化好的 JSON；key 决定分区
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Error("failed to send message", "topic", topic, "error", err)
		return err
	}
	p.log.Debug("message sent", "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
