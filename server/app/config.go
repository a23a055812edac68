package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/server/clients"
	"github.com/toxicbuild/toxicmaster/server/store"
)

const (
	DefaultBuildConfigType     = "yaml"
	DefaultBuildConfigFilename = "toxicbuild.yml"
	// DefaultSlaveTimeout applies to the write and to each read of a worker
	// session.
	DefaultSlaveTimeout = 30 * time.Second
)

// LogSafeFlags is a list of flags by name whose values are safe to log.
var LogSafeFlags = []string{
	"database_driver",
	"poller_host",
	"poller_port",
	"poller_uses_ssl",
	"secrets_host",
	"secrets_port",
	"secrets_uses_ssl",
	"notifications_api_url",
	"nats_url",
	"build_config_type",
	"build_config_filename",
	"slave_timeout",
	"log_levels",
}

type ServerConfig struct {
	DatabaseConfig store.DatabaseConfig
	PollerConfig   clients.DaemonConfig
	SecretsConfig  clients.DaemonConfig
	// NotificationsAPIURL is the base url of the notifications web API,
	// ending in a slash.
	NotificationsAPIURL   string
	NotificationsAPIToken string
	NATSURL               string
	BuildConfigType       string
	BuildConfigFilename   string
	// SlaveTimeout bounds the write and each read of a worker session.
	SlaveTimeout time.Duration
	LogLevels    logger.LogLevelConfig
}

func ConfigFromFlags() (*ServerConfig, error) {
	var (
		databaseDriverStr        string
		databaseConnectionString string
		logLevels                string
	)
	config := &ServerConfig{}

	// Database
	flag.StringVar(&databaseConnectionString, "database_connection_string",
		defaultSQLiteConnectionString, "The connection string for the database")
	flag.StringVar(&databaseDriverStr, "database_driver",
		string(store.Sqlite), "The Database Driver to use (i.e sqlite3|postgres)")
	flag.IntVar(&config.DatabaseConfig.MaxIdleConnections, "database_max_idle_connections",
		store.DefaultDatabaseMaxIdleConnections, "The maximum number of idle database connections to use")
	flag.IntVar(&config.DatabaseConfig.MaxOpenConnections, "database_max_open_connections",
		store.DefaultDatabaseMaxOpenConnections, "The maximum number of open database connections to use")

	// Poller
	flag.StringVar(&config.PollerConfig.Host, "poller_host",
		"localhost", "The host the poller daemon listens on.")
	flag.IntVar(&config.PollerConfig.Port, "poller_port",
		9922, "The port the poller daemon listens on.")
	flag.BoolVar(&config.PollerConfig.UseSSL, "poller_uses_ssl",
		false, "True if the poller daemon expects TLS connections.")
	flag.BoolVar(&config.PollerConfig.ValidateCert, "poller_validate_cert",
		false, "True to validate the poller daemon's certificate.")
	flag.StringVar(&config.PollerConfig.Token, "poller_token",
		"", "The token used to authenticate to the poller daemon.")

	// Secrets
	flag.StringVar(&config.SecretsConfig.Host, "secrets_host",
		"localhost", "The host the secrets daemon listens on.")
	flag.IntVar(&config.SecretsConfig.Port, "secrets_port",
		9745, "The port the secrets daemon listens on.")
	flag.BoolVar(&config.SecretsConfig.UseSSL, "secrets_uses_ssl",
		false, "True if the secrets daemon expects TLS connections.")
	flag.BoolVar(&config.SecretsConfig.ValidateCert, "secrets_validate_cert",
		false, "True to validate the secrets daemon's certificate.")
	flag.StringVar(&config.SecretsConfig.Token, "secrets_token",
		"", "The token used to authenticate to the secrets daemon.")

	// Notifications
	flag.StringVar(&config.NotificationsAPIURL, "notifications_api_url",
		"http://localhost:9432/", "The base url of the notifications web API.")
	flag.StringVar(&config.NotificationsAPIToken, "notifications_api_token",
		"", "The token used to authenticate to the notifications web API.")
	flag.StringVar(&config.NATSURL, "nats_url",
		nats.DefaultURL, "The url of the NATS server carrying the notification exchanges.")

	// Builds
	flag.StringVar(&config.BuildConfigType, "build_config_type",
		DefaultBuildConfigType, "The format of the repositories' build configs.")
	flag.StringVar(&config.BuildConfigFilename, "build_config_filename",
		DefaultBuildConfigFilename, "The file name of the repositories' build configs.")
	flag.DurationVar(&config.SlaveTimeout, "slave_timeout",
		DefaultSlaveTimeout, "How long to wait on an unresponsive worker connection.")

	// Misc
	flag.StringVar(&logLevels, "log_levels",
		"", fmt.Sprintf("A comma separated list of name=level pairs where name is the name of the logger and level is one of: %s", logger.ListLogLevels()))
	flag.Parse()

	config.DatabaseConfig.Driver = store.DBDriver(databaseDriverStr)
	config.DatabaseConfig.ConnectionString = store.DatabaseConnectionString(databaseConnectionString)
	config.LogLevels = logger.LogLevelConfig(logLevels)

	return config, nil
}
