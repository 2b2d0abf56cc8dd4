package config

const (
	defaultDataDir            = "~/.local/share/fieldsync/data"
	defaultLogDir             = "~/.local/share/fieldsync/logs"
	defaultTokenFile          = "~/.config/fieldsync/token"
	defaultStorageBackend     = "sqlite"
	defaultRequestTimeout     = 30
	defaultPollInterval       = 15
	defaultErrorRetryInterval = 60
	defaultBackoffBaseMS      = 1000
	defaultBackoffMultiplier  = 2.0
	defaultBackoffCapMS       = 30000
	defaultMaxRetries         = 5
	defaultAPIBind            = "127.0.0.1:7718"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Backend: Backend{
			RequestTimeout: defaultRequestTimeout,
		},
		Auth: Auth{
			TokenFile: defaultTokenFile,
		},
		Storage: Storage{
			Backend: defaultStorageBackend,
		},
		Sync: Sync{
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			BackoffBaseMS:      defaultBackoffBaseMS,
			BackoffMultiplier:  defaultBackoffMultiplier,
			BackoffCapMS:       defaultBackoffCapMS,
			MaxRetries:         defaultMaxRetries,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
