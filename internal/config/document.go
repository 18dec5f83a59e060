// Package config loads the YAML service-descriptor document and converts
// it into domain.ServiceDescriptors, discovering the file through a fixed
// search order unless an explicit path or LOCALPORT_CONFIG overrides it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/localportd/supervisor/internal/domain"
)

// EnvOverride is the environment variable that overrides config path
// discovery.
const EnvOverride = "LOCALPORT_CONFIG"

// document is the on-disk shape of the config file.
type document struct {
	Services []serviceDoc  `yaml:"services"`
	Defaults *defaultsDoc  `yaml:"defaults,omitempty"`
}

type serviceDoc struct {
	Name           string            `yaml:"name"`
	Technology     string            `yaml:"technology"`
	LocalPort      int               `yaml:"local_port"`
	RemotePort     int               `yaml:"remote_port"`
	ConnectionInfo map[string]string `yaml:"connection_info,omitempty"`
	HealthCheck    *healthCheckDoc   `yaml:"health_check,omitempty"`
	RestartPolicy  *restartPolicyDoc `yaml:"restart_policy,omitempty"`
	Tags           []string          `yaml:"tags,omitempty"`
	Description    string            `yaml:"description,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
}

type healthCheckDoc struct {
	Kind             string            `yaml:"kind"`
	IntervalSeconds  int               `yaml:"interval_s"`
	TimeoutSeconds   int               `yaml:"timeout_s"`
	FailureThreshold int               `yaml:"failure_threshold"`
	SuccessThreshold int               `yaml:"success_threshold"`
	Config           map[string]string `yaml:"config,omitempty"`
}

type restartPolicyDoc struct {
	MaxRestarts       int     `yaml:"max_restarts"`
	BackoffInitialS   float64 `yaml:"backoff_initial_s"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	BackoffMaxS       float64 `yaml:"backoff_max_s"`
}

type defaultsDoc struct {
	HealthCheck   *healthCheckDoc   `yaml:"health_check,omitempty"`
	RestartPolicy *restartPolicyDoc `yaml:"restart_policy,omitempty"`
}

// SearchPaths returns the config-file search order, honoring the
// LOCALPORT_CONFIG override when set.
func SearchPaths() []string {
	if override := os.Getenv(EnvOverride); override != "" {
		return []string{override}
	}
	paths := []string{"./localport.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "localport", "config.yaml"))
	}
	paths = append(paths, "/etc/localport/config.yaml")
	return paths
}

// Load finds the first existing file in SearchPaths (or the explicit path,
// if given) and parses it into ServiceDescriptors. An explicit empty path
// triggers search-order discovery.
func Load(explicitPath string) ([]*domain.ServiceDescriptor, string, error) {
	candidates := SearchPaths()
	if explicitPath != "" {
		candidates = []string{explicitPath}
	}

	var lastErr error
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		descs, err := Parse(data)
		if err != nil {
			return nil, path, domain.NewError(domain.KindConfiguration, "config", "", fmt.Sprintf("parsing %s", path), err)
		}
		return descs, path, nil
	}
	return nil, "", domain.NewError(domain.KindConfiguration, "config", "", "no config file found in search path", lastErr)
}

// Parse decodes raw YAML bytes into validated ServiceDescriptors, applying
// the top-level defaults block to any service that omits health_check or
// restart_policy.
func Parse(data []byte) ([]*domain.ServiceDescriptor, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config YAML: %w", err)
	}

	descs := make([]*domain.ServiceDescriptor, 0, len(doc.Services))
	seen := make(map[string]bool, len(doc.Services))
	for _, svc := range doc.Services {
		desc, err := svc.toDomain(doc.Defaults)
		if err != nil {
			return nil, err
		}
		if seen[desc.Name] {
			return nil, fmt.Errorf("config: duplicate service name %q", desc.Name)
		}
		seen[desc.Name] = true
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// Export serializes descs back into the YAML document shape for the
// `config export` CLI command; parsing its output yields an equivalent
// descriptor set. No top-level defaults are emitted: every
// descriptor's resolved health_check/restart_policy is written out in
// full so re-parsing never depends on an external defaults block.
func Export(descs []*domain.ServiceDescriptor) ([]byte, error) {
	doc := document{Services: make([]serviceDoc, 0, len(descs))}
	for _, desc := range descs {
		doc.Services = append(doc.Services, fromDomain(desc))
	}
	return yaml.Marshal(&doc)
}

func fromDomain(desc *domain.ServiceDescriptor) serviceDoc {
	enabled := desc.Enabled
	tags := make([]string, 0, len(desc.Tags))
	for tag := range desc.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	sd := serviceDoc{
		Name:           desc.Name,
		Technology:     string(desc.Technology),
		LocalPort:      desc.LocalPort,
		RemotePort:     desc.RemotePort,
		ConnectionInfo: desc.ConnectionInfo,
		Tags:           tags,
		Description:    desc.Description,
		Enabled:        &enabled,
	}
	if desc.HealthCheck != nil {
		hc := desc.HealthCheck
		sd.HealthCheck = &healthCheckDoc{
			Kind:             string(hc.Kind),
			IntervalSeconds:  hc.IntervalSeconds,
			TimeoutSeconds:   hc.TimeoutSeconds,
			FailureThreshold: hc.FailureThreshold,
			SuccessThreshold: hc.SuccessThreshold,
			Config:           hc.Config,
		}
	}
	if desc.RestartPolicy != nil {
		rp := desc.RestartPolicy
		sd.RestartPolicy = &restartPolicyDoc{
			MaxRestarts:       rp.MaxRestarts,
			BackoffInitialS:   rp.BackoffInitialS,
			BackoffMultiplier: rp.BackoffMultiplier,
			BackoffMaxS:       rp.BackoffMaxS,
		}
	}
	return sd
}

func (s serviceDoc) toDomain(defaults *defaultsDoc) (*domain.ServiceDescriptor, error) {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}

	desc := domain.NewServiceDescriptor(s.Name, domain.Technology(s.Technology), s.LocalPort, s.RemotePort, s.ConnectionInfo)
	desc.Enabled = enabled
	desc.Description = s.Description
	for _, tag := range s.Tags {
		desc.Tags[tag] = struct{}{}
	}

	hcDoc := s.HealthCheck
	if hcDoc == nil && defaults != nil {
		hcDoc = defaults.HealthCheck
	}
	if hcDoc != nil {
		desc.HealthCheck = &domain.HealthCheckConfig{
			Kind:             domain.ProbeKind(hcDoc.Kind),
			IntervalSeconds:  hcDoc.IntervalSeconds,
			TimeoutSeconds:   hcDoc.TimeoutSeconds,
			FailureThreshold: hcDoc.FailureThreshold,
			SuccessThreshold: hcDoc.SuccessThreshold,
			Config:           hcDoc.Config,
		}
	}

	rpDoc := s.RestartPolicy
	if rpDoc == nil && defaults != nil {
		rpDoc = defaults.RestartPolicy
	}
	if rpDoc != nil {
		desc.RestartPolicy = &domain.RestartPolicy{
			MaxRestarts:       rpDoc.MaxRestarts,
			BackoffInitialS:   rpDoc.BackoffInitialS,
			BackoffMultiplier: rpDoc.BackoffMultiplier,
			BackoffMaxS:       rpDoc.BackoffMaxS,
		}
	}

	return desc, nil
}
