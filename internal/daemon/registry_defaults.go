package daemon

import (
	"time"

	"github.com/localportd/supervisor/internal/domain"
	"github.com/localportd/supervisor/internal/logging"
	"github.com/localportd/supervisor/internal/probe"
	"github.com/localportd/supervisor/internal/transport"
)

// DefaultAdapters registers the kubectl and ssh transport adapters
// explicitly at daemon construction, in place of import-side-effect
// factories.
func DefaultAdapters(logger *logging.Logger) *transport.Registry {
	return transport.NewRegistry(map[domain.Technology]transport.Adapter{
		domain.TechnologyKubectl: transport.NewKubectlAdapter(logger, 30*time.Second),
		domain.TechnologySSH:     transport.NewSSHAdapter(logger, 10*time.Second),
	})
}

// DefaultProbes registers the four probe implementations by name.
func DefaultProbes() *probe.Registry {
	return probe.NewRegistry(map[string]probe.Probe{
		string(domain.ProbeKindTCP):      probe.NewTCPProbe(),
		string(domain.ProbeKindHTTP):     probe.NewHTTPProbe(),
		string(domain.ProbeKindKafka):    probe.NewKafkaProbe(4),
		string(domain.ProbeKindPostgres): probe.NewPostgresProbe(),
	})
}
