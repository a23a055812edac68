package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/clients"
)

const (
	// NotificationsSubject is the generic notifications exchange.
	NotificationsSubject = "notifications"
	// IntegrationsSubject is the exchange consumed by external
	// integrations. Both exchanges receive every lifecycle event with an
	// identical payload.
	IntegrationsSubject = "integrations_notifications"
)

// NotifyService publishes lifecycle events to the two messaging exchanges
// and sends emails through the notifications web API.
type NotifyService struct {
	logger.Log
	conn      *nats.Conn
	apiClient *clients.NotificationsAPIClient
}

func NewNotifyService(conn *nats.Conn, apiClient *clients.NotificationsAPIClient, logFactory logger.LogFactory) *NotifyService {
	return &NotifyService{
		Log:       logFactory("NotifyService"),
		conn:      conn,
		apiClient: apiClient,
	}
}

// PublishEvent publishes the event on both exchanges. Publication failures
// are logged and swallowed so a broker outage never fails a build.
func (s *NotifyService) PublishEvent(ctx context.Context, event *models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.Errorf("Error marshalling event %q: %v", event.Name, err)
		return
	}
	for _, subject := range []string{NotificationsSubject, IntegrationsSubject} {
		err = s.conn.Publish(subject, payload)
		if err != nil {
			s.Errorf("Error publishing event %q to %s: %v", event.Name, subject, err)
		}
	}
}

// SendEmail sends an email through the notifications web API.
func (s *NotifyService) SendEmail(ctx context.Context, recipients []string, subject, message string) error {
	return s.apiClient.SendEmail(ctx, recipients, subject, message)
}
