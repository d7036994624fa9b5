// Package mqttingest connects to the broker and turns raw messages into
// queued state events.
package mqttingest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mesh-live/map-server/internal/config"
)

// BrokerURL builds the paho broker URL for the configured transport.
func BrokerURL(cfg config.MQTTConfig) string {
	switch cfg.Transport {
	case "websockets":
		scheme := "ws"
		if cfg.TLS {
			scheme = "wss"
		}
		path := cfg.WSPath
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, path)
	default:
		scheme := "tcp"
		if cfg.TLS {
			scheme = "ssl"
		}
		return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	}
}

// NewClient builds the paho client. Subscriptions are re-issued on every
// connect so reconnects resubscribe automatically.
func NewClient(cfg config.MQTTConfig, handler mqtt.MessageHandler, logger *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg))
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.TLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
		if cfg.CACert != "" {
			pem, err := os.ReadFile(cfg.CACert)
			if err != nil {
				return nil, fmt.Errorf("reading ca cert %s: %w", cfg.CACert, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("ca cert %s: no certificates found", cfg.CACert)
			}
			tlsCfg.RootCAs = pool
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected",
			zap.String("broker", BrokerURL(cfg)),
			zap.Strings("topics", cfg.Topics),
		)
		for _, topic := range cfg.Topics {
			if token := c.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
				logger.Error("mqtt subscribe failed",
					zap.String("topic", topic),
					zap.Error(token.Error()),
				)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt disconnected", zap.Error(err))
	})

	return mqtt.NewClient(opts), nil
}
