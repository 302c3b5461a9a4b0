package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFactory()
	c.normalizeDaemon()
	c.normalizeGateway()
	c.normalizeLogging()
	c.normalizeLanguages()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
		def   string
	}{
		{"paths.pipes_dir", &c.Paths.PipesDir, defaultPipesDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
		{"paths.storlet_dir", &c.Paths.StorletDir, defaultStorletDir},
		{"paths.catalog_path", &c.Paths.CatalogPath, defaultCatalogPath},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.def
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeFactory() {
	c.Factory.Scope = strings.TrimSpace(c.Factory.Scope)
	if c.Factory.Scope == "" {
		c.Factory.Scope = defaultScope
	}
	c.Factory.ContainerID = strings.TrimSpace(c.Factory.ContainerID)
	if c.Factory.ContainerID == "" {
		c.Factory.ContainerID = c.Factory.Scope
	}
	c.Factory.MetricsBind = strings.TrimSpace(c.Factory.MetricsBind)
	if c.Factory.PingRetries == 0 {
		c.Factory.PingRetries = defaultPingRetries
	}
	if c.Factory.PingTimeoutMS == 0 {
		c.Factory.PingTimeoutMS = defaultPingTimeoutMS
	}
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.PoolSize == 0 {
		c.Daemon.PoolSize = defaultPoolSize
	}
	if c.Daemon.ChunkSize == 0 {
		c.Daemon.ChunkSize = defaultChunkSize
	}
	c.Daemon.LogLevel = strings.ToUpper(strings.TrimSpace(c.Daemon.LogLevel))
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = defaultDaemonLogLevel
	}
}

func (c *Config) normalizeGateway() {
	if c.Gateway.TimeoutSeconds == 0 {
		c.Gateway.TimeoutSeconds = defaultGatewayTimeout
	}
	c.Gateway.DefaultLanguage = strings.ToLower(strings.TrimSpace(c.Gateway.DefaultLanguage))
	if c.Gateway.DefaultLanguage == "" {
		c.Gateway.DefaultLanguage = defaultGatewayLanguage
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeLanguages() {
	java := &c.Languages.Java
	java.Binary = strings.TrimSpace(java.Binary)
	if java.Binary == "" {
		java.Binary = defaultJavaBinary
	}
	java.LibDir = strings.TrimSpace(java.LibDir)
	if java.LibDir == "" {
		java.LibDir = defaultJavaLibDir
	}
	if !strings.HasSuffix(java.LibDir, "/") {
		java.LibDir += "/"
	}
	if len(java.Jars) == 0 {
		java.Jars = append([]string(nil), defaultJavaJars...)
	}

	c.Languages.Python.Binary = strings.TrimSpace(c.Languages.Python.Binary)
	if c.Languages.Python.Binary == "" {
		c.Languages.Python.Binary = defaultPythonBinary
	}
	c.Languages.Go.Binary = strings.TrimSpace(c.Languages.Go.Binary)
}
