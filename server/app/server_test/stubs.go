package server_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/toxicbuild/toxicmaster/common/gerror"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/services"
)

// RecordingNotifyService captures everything published instead of touching
// a message broker or the notifications API.
type RecordingNotifyService struct {
	mu     sync.Mutex
	events []*models.Event
	emails []RecordedEmail
}

type RecordedEmail struct {
	Recipients []string
	Subject    string
	Message    string
}

func NewRecordingNotifyService() *RecordingNotifyService {
	return &RecordingNotifyService{}
}

func (s *RecordingNotifyService) PublishEvent(ctx context.Context, event *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *RecordingNotifyService) SendEmail(ctx context.Context, recipients []string, subject, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, RecordedEmail{Recipients: recipients, Subject: subject, Message: message})
	return nil
}

// Events returns a snapshot of the published events.
func (s *RecordingNotifyService) Events() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]*models.Event, len(s.events))
	copy(events, s.events)
	return events
}

// EventNames returns the names of the published events in publication order.
func (s *RecordingNotifyService) EventNames() []models.EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]models.EventName, len(s.events))
	for i, event := range s.events {
		names[i] = event.Name
	}
	return names
}

// FakeSecretsService serves secrets from an in-memory map.
type FakeSecretsService struct {
	mu      sync.Mutex
	secrets map[string]string
	err     error
}

func NewFakeSecretsService() *FakeSecretsService {
	return &FakeSecretsService{secrets: make(map[string]string)}
}

func (s *FakeSecretsService) SetSecret(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
}

func (s *FakeSecretsService) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *FakeSecretsService) GetSecrets(ctx context.Context, owners []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	secrets := make(map[string]string, len(s.secrets))
	for key, value := range s.secrets {
		secrets[key] = value
	}
	return secrets, nil
}

// FakeInstance is an in-memory stand-in for a cloud machine.
type FakeInstance struct {
	mu      sync.Mutex
	running bool
	ip      string

	StartErr error
	StopErr  error

	StartCalls int
	StopCalls  int
}

func NewFakeInstance(ip string, running bool) *FakeInstance {
	return &FakeInstance{ip: ip, running: running}
}

func (i *FakeInstance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.StartCalls++
	if i.StartErr != nil {
		return i.StartErr
	}
	i.running = true
	return nil
}

func (i *FakeInstance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.StopCalls++
	if i.StopErr != nil {
		return i.StopErr
	}
	i.running = false
	return nil
}

func (i *FakeInstance) IsRunning(ctx context.Context) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running, nil
}

func (i *FakeInstance) GetIP(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ip, nil
}

// FakeInstanceFactory hands out registered fake instances keyed by the
// instance_id configuration value.
type FakeInstanceFactory struct {
	mu        sync.Mutex
	instances map[string]services.Instance
}

func NewFakeInstanceFactory() *FakeInstanceFactory {
	return &FakeInstanceFactory{instances: make(map[string]services.Instance)}
}

func (f *FakeInstanceFactory) Register(instanceID string, instance services.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instanceID] = instance
}

func (f *FakeInstanceFactory) GetInstance(instanceType string, confs models.KVMap) (services.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instance, ok := f.instances[confs["instance_id"]]
	if !ok {
		return nil, gerror.NewErrNotFound(fmt.Sprintf("no fake instance registered for %q", confs["instance_id"]))
	}
	return instance, nil
}
