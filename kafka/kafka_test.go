package kafka

import (
	"context"
	"errors"
	"testing"

	"khisima/config"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestProducerPublishesRawValue(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	sp := mocks.NewSyncProducer(t, cfg)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"room":"r1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	p := NewProducerFrom(sp, nil)
	require.NoError(t, p.Publish(context.Background(), "agent.inbox", "r1", []byte(`{"room":"r1"}`)))
	require.NoError(t, p.Close())
}

func TestProducerSurfacesFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(sp, nil)
	err := p.Publish(context.Background(), "agent.inbox", "r1", []byte(`{}`))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestTopicRouter(t *testing.T) {
	var got string
	r := NewTopicRouter().Route("agent.transcripts", func(_ context.Context, value []byte) error {
		got = string(value)
		return nil
	})

	require.NoError(t, r.Handle(context.Background(), &sarama.ConsumerMessage{Topic: "agent.transcripts", Value: []byte("job")}))
	require.Equal(t, "job", got)
	require.Error(t, r.Handle(context.Background(), &sarama.ConsumerMessage{Topic: "other"}))
	require.Equal(t, []string{"agent.transcripts"}, r.Topics())
}

func TestSaramaConfigMechanisms(t *testing.T) {
	plain, err := NewSaramaConfig(&config.KafkaConfig{Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	require.True(t, plain.Net.SASL.Enable)
	require.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), plain.Net.SASL.Mechanism)
	require.Len(t, plain.Producer.Interceptors, 1)

	scramCfg, err := NewSaramaConfig(&config.KafkaConfig{Mechanism: "SCRAM-SHA-512", Username: "u", Password: "p"}, nil)
	require.NoError(t, err)
	require.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), scramCfg.Net.SASL.Mechanism)
	require.NotNil(t, scramCfg.Net.SASL.SCRAMClientGeneratorFunc())

	none, err := NewSaramaConfig(&config.KafkaConfig{}, nil)
	require.NoError(t, err)
	require.False(t, none.Net.SASL.Enable)
}

func TestSourceInterceptorAddsHeader(t *testing.T) {
	msg := &sarama.ProducerMessage{Topic: "agent.inbox"}
	NewSourceInterceptor(nil).OnSend(msg)
	require.Len(t, msg.Headers, 1)
	require.Equal(t, "source", string(msg.Headers[0].Key))
}
