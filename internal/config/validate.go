package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateFactory(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateGateway(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateFactory() error {
	if strings.ContainsAny(c.Factory.Scope, "/\x00") {
		return fmt.Errorf("factory.scope %q must not contain path separators", c.Factory.Scope)
	}
	if c.Factory.PingRetries < 1 {
		return errors.New("factory.ping_retries must be at least 1")
	}
	if c.Factory.PingRetryDelayMS < 0 {
		return errors.New("factory.ping_retry_delay_ms must not be negative")
	}
	if c.Factory.PingTimeoutMS < 1 {
		return errors.New("factory.ping_timeout_ms must be positive")
	}
	if channel := c.FactoryChannel(c.Factory.Scope); len(channel) > maxChannelPathLen {
		return fmt.Errorf("factory channel %q exceeds %d bytes; shorten paths.pipes_dir", channel, maxChannelPathLen)
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if c.Daemon.PoolSize < 1 {
		return errors.New("daemon.pool_size must be at least 1")
	}
	if c.Daemon.ChunkSize < 1 {
		return errors.New("daemon.chunk_size must be positive")
	}
	return nil
}

func (c *Config) validateGateway() error {
	if c.Gateway.TimeoutSeconds < 1 {
		return errors.New("gateway.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
