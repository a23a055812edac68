package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/toxicbuild/toxicmaster/common/logger"
)

// NotificationsAPIClient talks to the notifications web API. Requests are
// retried on transient failures.
type NotificationsAPIClient struct {
	logger.Log
	baseURL string
	token   string
	client  *retryablehttp.Client
}

func NewNotificationsAPIClient(baseURL, token string, logFactory logger.LogFactory) *NotificationsAPIClient {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &NotificationsAPIClient{
		Log:     logFactory("NotificationsAPIClient"),
		baseURL: baseURL,
		token:   token,
		client:  client,
	}
}

type sendEmailRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Message    string   `json:"message"`
}

// SendEmail sends an email through the notifications API.
func (c *NotificationsAPIClient) SendEmail(ctx context.Context, recipients []string, subject, message string) error {
	body, err := json.Marshal(&sendEmailRequest{
		Recipients: recipients,
		Subject:    subject,
		Message:    message,
	})
	if err != nil {
		return errors.Wrap(err, "error marshalling email request")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%ssend-email", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "error creating email request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("token: %s", c.token))
	res, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "error sending email")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("error sending email: unexpected status %d", res.StatusCode)
	}
	return nil
}
