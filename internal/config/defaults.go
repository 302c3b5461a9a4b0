package config

const (
	defaultPipesDir    = "~/.local/share/storlets/pipes"
	defaultLogDir      = "~/.local/share/storlets/logs"
	defaultStorletDir  = "~/.local/share/storlets/storlets"
	defaultCatalogPath = "~/.local/share/storlets/catalog.db"

	defaultScope            = "default"
	defaultPingRetries      = 10
	defaultPingRetryDelayMS = 1000
	defaultPingTimeoutMS    = 1000

	defaultPoolSize        = 5
	defaultChunkSize       = 64 * 1024
	defaultDaemonLogLevel  = "INFO"
	defaultGatewayTimeout  = 40
	defaultGatewayLanguage = "go"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultJavaBinary   = "/usr/bin/java"
	defaultJavaLibDir   = "/opt/storlets/"
	defaultPythonBinary = "/usr/local/bin/storlets-daemon"

	factoryChannelName = "factory_pipe"
	// maxChannelPathLen is sizeof(sun_path) minus the terminating NUL.
	maxChannelPathLen = 107
)

var defaultJavaJars = []string{
	"logback-classic-1.1.2.jar",
	"logback-core-1.1.2.jar",
	"slf4j-api-1.7.7.jar",
	"json_simple-1.1.jar",
	"SBusJavaFacade.jar",
	"SCommon.jar",
	"SDaemon.jar",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			PipesDir:    defaultPipesDir,
			LogDir:      defaultLogDir,
			StorletDir:  defaultStorletDir,
			CatalogPath: defaultCatalogPath,
		},
		Factory: Factory{
			Scope:            defaultScope,
			PingRetries:      defaultPingRetries,
			PingRetryDelayMS: defaultPingRetryDelayMS,
			PingTimeoutMS:    defaultPingTimeoutMS,
		},
		Daemon: Daemon{
			PoolSize:  defaultPoolSize,
			ChunkSize: defaultChunkSize,
			LogLevel:  defaultDaemonLogLevel,
		},
		Gateway: Gateway{
			TimeoutSeconds:  defaultGatewayTimeout,
			DefaultLanguage: defaultGatewayLanguage,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Languages: Languages{
			Java: Java{
				Binary: defaultJavaBinary,
				LibDir: defaultJavaLibDir,
				Jars:   append([]string(nil), defaultJavaJars...),
			},
			Python: Python{Binary: defaultPythonBinary},
		},
	}
}
