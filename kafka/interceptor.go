package kafka

import (
	"khisima/logger"

	"github.com/IBM/sarama"
)

// SourceInterceptor 给每条消息打上来源头
type SourceInterceptor struct {
	log *logger.Logger
}

func NewSourceInterceptor(log *logger.Logger) *SourceInterceptor {
	if log == nil {
		log = logger.Nop()
	}
	return &SourceInterceptor{log: log.With("component", "KafkaInterceptor")}
}

func (i *SourceInterceptor) OnSend(msg *sarama.ProducerMessage) {
	i.log.Debug("producing message", "topic", msg.Topic)
	msg.Headers = append(msg.Headers, sarama.RecordHeader{
		Key:   []byte("source"),
		Value: []byte("khisima-agent"),
	})
}
