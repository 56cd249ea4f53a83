package realtime

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/dmarcwatch/dashboard-api/internal/config"
)

// Simulator emits synthetic live updates for demo deployments that have no
// ingester feeding the store. Disabled by default; clients see the events as
// type simulated_report so they are never confused with real traffic.
type Simulator struct {
	hub      *Hub
	interval time.Duration
	logger   *zap.Logger
	rng      *rand.Rand
}

var (
	simOrganizations = []string{"Google", "Microsoft", "Yahoo", "Mimecast", "Proofpoint"}
	simDomains       = []string{"example.com", "business.co", "company.org", "domain.net"}
	simDispositions  = []string{"none", "quarantine", "reject"}
)

// NewSimulator creates a simulator from configuration.
func NewSimulator(cfg config.SimulatorConfig, hub *Hub, logger *zap.Logger) *Simulator {
	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Simulator{
		hub:      hub,
		interval: interval,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run emits one synthetic report per interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("live update simulator running", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.hub.EmitLiveUpdate(UpdateSimulatedReport, map[string]interface{}{
				"org_name":    simOrganizations[s.rng.Intn(len(simOrganizations))],
				"domain":      simDomains[s.rng.Intn(len(simDomains))],
				"disposition": simDispositions[s.rng.Intn(len(simDispositions))],
				"count":       s.rng.Intn(100) + 1,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			})
		case <-ctx.Done():
			return
		}
	}
}
