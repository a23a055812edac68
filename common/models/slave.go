package models

import (
	"github.com/hashicorp/go-multierror"
)

// DynamicHost marks an on-demand slave whose IP address is not yet known.
// It is overwritten with the real address when the instance starts.
const DynamicHost = "dynamic"

const (
	InstanceTypeEC2 = "ec2"
)

// Slave is a remote worker daemon that executes builds. Queue and running
// counters are mutated under a distributed write-lock keyed by the slave id.
type Slave struct {
	ID           SlaveID `json:"id" goqu:"skipupdate" db:"slave_id"`
	CreatedAt    Time    `json:"created_at" goqu:"skipupdate" db:"slave_created_at"`
	Name         string  `json:"name" db:"slave_name"`
	Host         string  `json:"host" db:"slave_host"`
	Port         int     `json:"port" db:"slave_port"`
	Token        string  `json:"-" db:"slave_token"`
	UseSSL       bool    `json:"use_ssl" db:"slave_use_ssl"`
	ValidateCert bool    `json:"validate_cert" db:"slave_validate_cert"`
	// OnDemand slaves are backed by a cloud instance started before use and
	// stopped when idle.
	OnDemand       bool       `json:"on_demand" db:"slave_on_demand"`
	InstanceType   string     `json:"instance_type" db:"slave_instance_type"`
	InstanceConfs  KVMap      `json:"instance_confs" db:"slave_instance_confs"`
	QueueCount     int        `json:"queue_count" db:"slave_queue_count"`
	RunningCount   int        `json:"running_count" db:"slave_running_count"`
	EnqueuedBuilds StringList `json:"enqueued_builds" db:"slave_enqueued_builds"`
	RunningRepos   StringList `json:"running_repos" db:"slave_running_repos"`
}

func NewSlave(now Time, name, host string, port int, token string, useSSL, validateCert bool) *Slave {
	if host == "" {
		host = DynamicHost
	}
	return &Slave{
		ID:           NewSlaveID(),
		CreatedAt:    now,
		Name:         name,
		Host:         host,
		Port:         port,
		Token:        token,
		UseSSL:       useSSL,
		ValidateCert: validateCert,
	}
}

func (s *Slave) GetID() ResourceID {
	return s.ID.ResourceID
}

func (s *Slave) GetCreatedAt() Time {
	return s.CreatedAt
}

func (s *Slave) Validate() error {
	var result *multierror.Error
	if s.ID.IsZero() {
		result = multierror.Append(result, errIDMissing)
	}
	if s.Name == "" {
		result = multierror.Append(result, errNameMissing)
	}
	if s.Host == "" {
		result = multierror.Append(result, errHostMissing)
	}
	return result.ErrorOrNil()
}
