package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"khisima/config"
	"khisima/logger"

	"github.com/IBM/sarama"
)

// NewSaramaConfig 按配置选择 PLAIN / SCRAM 认证
func NewSaramaConfig(cfg *config.KafkaConfig, log *logger.Logger) (*sarama.Config, error) {
	if cfg.Mechanism == "SCRAM-SHA-256" || cfg.Mechanism == "SCRAM-SHA-512" {
		return NewSaramaConfigWithSCRAM(cfg, cfg.Mechanism, log)
	}

	config := baseConfig(log)

	// SASL/PLAIN 认证
	if cfg.Username != "" && cfg.Password != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		config.Net.SASL.User = cfg.Username
		config.Net.SASL.Password = cfg.Password
		config.Net.SASL.Handshake = true
	}

	if err := applyTLS(config, cfg); err != nil {
		return nil, err
	}
	return config, nil
}

func baseConfig(log *logger.Logger) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = "khisima-agent"

	// 生产者：按房间号哈希分区，保证同一房间的事件有序
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Interceptors = []sarama.ProducerInterceptor{NewSourceInterceptor(log)}

	// 消费者
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return config
}

func applyTLS(config *sarama.Config, cfg *config.KafkaConfig) error {
	if !cfg.UseTLS {
		return nil
	}
	tlsConfig, err := createTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		return err
	}
	config.Net.TLS.Enable = true
	config.Net.TLS.Config = tlsConfig
	return nil
}

// 创建TLS配置
func createTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// 加载CA证书
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	// 加载客户端证书
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
