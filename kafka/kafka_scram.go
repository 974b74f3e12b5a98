package kafka

import (
	"khisima/config"
	"khisima/logger"

	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// NewSaramaConfigWithSCRAM SCRAM认证
func NewSaramaConfigWithSCRAM(cfg *config.KafkaConfig, mechanism string, log *logger.Logger) (*sarama.Config, error) {
	config := baseConfig(log)

	config.Net.SASL.Enable = true
	config.Net.SASL.User = cfg.Username
	config.Net.SASL.Password = cfg.Password
	config.Net.SASL.Handshake = true

	switch mechanism {
	case "SCRAM-SHA-256":
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
		}
	case "SCRAM-SHA-512":
		config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		config.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
		}
	default:
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}

	if err := applyTLS(config, cfg); err != nil {
		return nil, err
	}
	return config, nil
}

var (
	SHA256 scram.HashGeneratorFcn = scram.SHA256
	SHA512 scram.HashGeneratorFcn = scram.SHA512
)

// XDGSCRAMClient 实现 sarama.SCRAMClient
type XDGSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *XDGSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *XDGSCRAMClient) Step(challenge string) (response string, err error) {
	response, err = x.ClientConversation.Step(challenge)
	return
}

func (x *XDGSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}
