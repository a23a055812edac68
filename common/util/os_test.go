package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterOSArgs(t *testing.T) {

	var whitelist = []string{
		"database_driver",
		"poller_host",
		"poller_port",
		"notifications_api_url",
		"nats_url",
		"build_config_type",
		"log_levels",
	}

	var in = []string{
		"/usr/bin/toxicmaster",
		"--database_driver",
		"sqlite3",
		"--database_connection_string",
		"secret",
		"--poller_host",
		"poller.infra.local",
		"--poller_port",
		"9922",
		"--poller_token",
		"secret",
		"--secrets_token",
		"secret",
		"--notifications_api_url",
		"http://notifications.infra.local:9432/",
		"--notifications_api_token",
		"secret",
		"--nats_url",
		"nats://nats.infra.local:4222",
		"--build_config_type",
		"yaml",
		"--log_levels",
		"root=INFO"}

	var out = []string{
		"/usr/bin/toxicmaster",
		"--database_driver",
		"sqlite3",
		"--database_connection_string",
		"******",
		"--poller_host",
		"poller.infra.local",
		"--poller_port",
		"9922",
		"--poller_token",
		"******",
		"--secrets_token",
		"******",
		"--notifications_api_url",
		"http://notifications.infra.local:9432/",
		"--notifications_api_token",
		"******",
		"--nats_url",
		"nats://nats.infra.local:4222",
		"--build_config_type",
		"yaml",
		"--log_levels",
		"root=INFO"}

	filtered := FilterOSArgs(in, whitelist)
	require.Equal(t, out, filtered)
}
