// Command zoneagent is a minimal standalone agent for one zone: it keeps a
// registered connection to the host, logs focus and notification traffic,
// and echoes proxied calls. Applications with their own behavior embed
// package agent instead.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"zoned/agent"
	"zoned/ipc"
	"zoned/logging"
	"zoned/wire"
)

type agentConfig struct {
	ZoneID      string        `envconfig:"ZONE_ID" required:"true"`
	Network     string        `envconfig:"NETWORK" default:"unix"`
	Address     string        `envconfig:"ADDRESS" default:"/run/zoned/agent.sock"`
	Codec       string        `envconfig:"CODEC" default:"binary"`
	CallTimeout time.Duration `envconfig:"CALL_TIMEOUT" default:"500ms"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDev      bool          `envconfig:"LOG_DEV" default:"false"`
	RetryDelay  time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
}

func main() {
	var cfg agentConfig
	if err := envconfig.Process("zoneagent", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "zoneagent:", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		fmt.Fprintln(os.Stderr, "zoneagent:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	codec, err := wire.CodecByName(cfg.Codec)
	if err != nil {
		log.Fatal("bad codec", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Reconnect loop: the host may restart underneath us.
	for {
		lost := make(chan struct{}, 1)
		handlers := agent.Handlers{
			FocusGained: func() { log.Info("focus gained") },
			FocusLost:   func() { log.Info("focus lost") },
			Notification: func(zone, application, message string) {
				log.Info("notification",
					zap.String("from", zone),
					zap.String("application", application),
					zap.String("message", message))
			},
			ZoneState: func(zone, state string) {
				log.Debug("zone state", zap.String("zone", zone), zap.String("state", state))
			},
			ProxyTarget: func(origin string, method uint32, payload []byte) ([]byte, error) {
				log.Info("proxy call",
					zap.String("from", origin),
					zap.Uint32("method", method),
					zap.Int("payload_bytes", len(payload)))
				return payload, nil
			},
			Disconnected: func() {
				select {
				case lost <- struct{}{}:
				default:
				}
			},
		}

		a, err := agent.Dial(cfg.Network, cfg.Address, cfg.ZoneID, handlers,
			agent.WithLogger(log),
			agent.WithTimeout(cfg.CallTimeout),
			agent.WithIPCOptions(ipc.WithCodec(codec)))
		if err != nil {
			log.Warn("connect failed, retrying", zap.Error(err), zap.Duration("delay", cfg.RetryDelay))
			select {
			case <-sigChan:
				return
			case <-time.After(cfg.RetryDelay):
				continue
			}
		}

		select {
		case <-sigChan:
			log.Info("shutting down")
			a.Close()
			return
		case <-lost:
			log.Warn("host connection lost, reconnecting", zap.Duration("delay", cfg.RetryDelay))
			a.Close()
			select {
			case <-sigChan:
				return
			case <-time.After(cfg.RetryDelay):
			}
		}
	}
}
