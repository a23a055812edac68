package clients

import (
	"context"

	"github.com/toxicbuild/toxicmaster/common/logger"
)

// SecretsClient talks to the secrets daemon. Secrets are key/value pairs
// scoped to an owner id and injected into build environments.
type SecretsClient struct {
	logger.Log
	config DaemonConfig
}

func NewSecretsClient(config DaemonConfig, logFactory logger.LogFactory) *SecretsClient {
	return &SecretsClient{
		Log:    logFactory("SecretsClient"),
		config: config,
	}
}

// AddOrUpdateSecret stores the secret for the owner, replacing any previous
// value under the same key.
func (c *SecretsClient) AddOrUpdateSecret(ctx context.Context, owner, key, value string) error {
	body := map[string]string{"owner": owner, "key": key, "value": value}
	return doRequest(ctx, c.config, "add-or-update-secret", body, nil)
}

// RemoveSecret deletes the owner's secret under key.
func (c *SecretsClient) RemoveSecret(ctx context.Context, owner, key string) error {
	body := map[string]string{"owner": owner, "key": key}
	return doRequest(ctx, c.config, "remove-secret", body, nil)
}

// GetSecrets returns the merged secrets of all the owners.
func (c *SecretsClient) GetSecrets(ctx context.Context, owners []string) (map[string]string, error) {
	body := map[string][]string{"owners": owners}
	secrets := map[string]string{}
	err := doRequest(ctx, c.config, "get-secrets", body, &secrets)
	if err != nil {
		return nil, err
	}
	return secrets, nil
}

// RemoveAllSecrets deletes every secret of the owner.
func (c *SecretsClient) RemoveAllSecrets(ctx context.Context, owner string) error {
	body := map[string]string{"owner": owner}
	return doRequest(ctx, c.config, "remove-all", body, nil)
}
