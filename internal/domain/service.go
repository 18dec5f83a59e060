// Package domain holds the core data model shared by every supervisor
// component: service descriptors, active forwards, status enums, and health
// state. Nothing in this package performs I/O.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// Technology identifies which transport adapter a service uses.
type Technology string

const (
	TechnologyKubectl Technology = "kubectl"
	TechnologySSH     Technology = "ssh"
)

// ProbeKind identifies which probe implementation a health check uses.
type ProbeKind string

const (
	ProbeKindTCP      ProbeKind = "tcp"
	ProbeKindHTTP     ProbeKind = "http"
	ProbeKindKafka    ProbeKind = "kafka"
	ProbeKindPostgres ProbeKind = "postgres"
)

// HealthCheckConfig configures the per-service probe schedule.
type HealthCheckConfig struct {
	Kind              ProbeKind
	IntervalSeconds   int
	TimeoutSeconds    int
	FailureThreshold  int
	SuccessThreshold  int
	Config            map[string]string
}

// Validate rejects a zero timeout, requires both thresholds to be at least
// 1, and requires a positive interval.
func (h *HealthCheckConfig) Validate() error {
	if h == nil {
		return nil
	}
	if h.IntervalSeconds < 1 {
		return fmt.Errorf("health_check.interval_s must be >= 1, got %d", h.IntervalSeconds)
	}
	if h.TimeoutSeconds <= 0 {
		return fmt.Errorf("health_check.timeout_s must be > 0, got %d", h.TimeoutSeconds)
	}
	if h.FailureThreshold < 1 {
		return fmt.Errorf("health_check.failure_threshold must be >= 1, got %d", h.FailureThreshold)
	}
	if h.SuccessThreshold < 1 {
		return fmt.Errorf("health_check.success_threshold must be >= 1, got %d", h.SuccessThreshold)
	}
	switch h.Kind {
	case ProbeKindTCP, ProbeKindHTTP, ProbeKindKafka, ProbeKindPostgres:
	default:
		return fmt.Errorf("health_check.kind %q is not a recognized probe kind", h.Kind)
	}
	return nil
}

// RestartPolicy configures the Restart Controller's backoff and budget.
type RestartPolicy struct {
	MaxRestarts       int // 0 means unlimited
	BackoffInitialS   float64
	BackoffMultiplier float64
	BackoffMaxS       float64
}

// HasBudget reports whether another automatic restart is permitted given the
// number already attempted in the current failed episode.
func (r *RestartPolicy) HasBudget(attempted int) bool {
	if r == nil || r.MaxRestarts <= 0 {
		return true
	}
	return attempted < r.MaxRestarts
}

// ServiceDescriptor is the immutable, validated description of one declared
// port forward. Identity is the UUID; Name is also required to be unique
// within a Registry.
type ServiceDescriptor struct {
	ID             uuid.UUID
	Name           string
	Technology     Technology
	LocalPort      int
	RemotePort     int
	ConnectionInfo map[string]string
	HealthCheck    *HealthCheckConfig
	RestartPolicy  *RestartPolicy
	Tags           map[string]struct{}
	Description    string
	Enabled        bool
}

// NewServiceDescriptor builds a descriptor with a freshly minted ID and
// defaulted Enabled=true.
func NewServiceDescriptor(name string, technology Technology, localPort, remotePort int, connectionInfo map[string]string) *ServiceDescriptor {
	return &ServiceDescriptor{
		ID:             uuid.New(),
		Name:           name,
		Technology:     technology,
		LocalPort:      localPort,
		RemotePort:     remotePort,
		ConnectionInfo: connectionInfo,
		Tags:           make(map[string]struct{}),
		Enabled:        true,
	}
}

// Validate checks the field-level invariants a descriptor must satisfy
// independent of any registry it might be added to.
func (s *ServiceDescriptor) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	switch s.Technology {
	case TechnologyKubectl, TechnologySSH:
	default:
		return fmt.Errorf("service %s: technology %q must be kubectl or ssh", s.Name, s.Technology)
	}
	if s.LocalPort < 1 || s.LocalPort > 65535 {
		return fmt.Errorf("service %s: local_port %d out of range 1..65535", s.Name, s.LocalPort)
	}
	if s.RemotePort < 1 || s.RemotePort > 65535 {
		return fmt.Errorf("service %s: remote_port %d out of range 1..65535", s.Name, s.RemotePort)
	}
	if err := s.HealthCheck.Validate(); err != nil {
		return fmt.Errorf("service %s: %w", s.Name, err)
	}
	return nil
}

// HasTag reports whether the descriptor carries the given tag.
func (s *ServiceDescriptor) HasTag(tag string) bool {
	_, ok := s.Tags[tag]
	return ok
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// registry's lock — descriptors are meant to be immutable once registered.
func (s *ServiceDescriptor) Clone() *ServiceDescriptor {
	clone := *s
	clone.ConnectionInfo = make(map[string]string, len(s.ConnectionInfo))
	for k, v := range s.ConnectionInfo {
		clone.ConnectionInfo[k] = v
	}
	clone.Tags = make(map[string]struct{}, len(s.Tags))
	for t := range s.Tags {
		clone.Tags[t] = struct{}{}
	}
	if s.HealthCheck != nil {
		hc := *s.HealthCheck
		hc.Config = make(map[string]string, len(s.HealthCheck.Config))
		for k, v := range s.HealthCheck.Config {
			hc.Config[k] = v
		}
		clone.HealthCheck = &hc
	}
	if s.RestartPolicy != nil {
		rp := *s.RestartPolicy
		clone.RestartPolicy = &rp
	}
	return &clone
}
