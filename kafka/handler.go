package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// MessageHandler 消费端处理器；返回 nil 才提交位点
type MessageHandler interface {
	Handle(ctx context.Context, message *sarama.ConsumerMessage) error
}

// HandlerFunc 按消息体处理
type HandlerFunc func(ctx context.Context, value []byte) error

// TopicRouter 按主题分发
type TopicRouter struct {
	routes map[string]HandlerFunc
}

func NewTopicRouter() *TopicRouter {
	return &TopicRouter{routes: make(map[string]HandlerFunc)}
}

func (r *TopicRouter) Route(topic string, fn HandlerFunc) *TopicRouter {
	r.routes[topic] = fn
	return r
}

func (r *TopicRouter) Topics() []string {
	topics := make([]string, 0, len(r.routes))
	for t := range r.routes {
		topics = append(topics, t)
	}
	return topics
}

func (r *TopicRouter) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	fn, ok := r.routes[message.Topic]
	if !ok {
		return fmt.Errorf("no handler for topic %s", message.Topic)
	}
	return fn(ctx, message.Value)
}
