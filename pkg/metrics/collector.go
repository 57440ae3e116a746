package metrics

import (
	"time"

	"github.com/orthancfleet/cockpit/pkg/log"
	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
)

// Collector periodically exports graph gauges from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect reads the graph once and refreshes every gauge
func (c *Collector) Collect() {
	err := c.store.View(func(tx storage.Tx) error {
		nodes, err := tx.ListNodes()
		if err != nil {
			return err
		}
		NodesTotal.Reset()
		for _, n := range nodes {
			NodesTotal.WithLabelValues(string(n.Kind()), string(n.Meta().Status)).Inc()
		}

		conns, err := tx.ListConnections()
		if err != nil {
			return err
		}
		ConnectionsTotal.Reset()
		for _, conn := range conns {
			ConnectionsTotal.WithLabelValues(string(conn.Status)).Inc()
		}

		hosts, err := tx.ListHosts()
		if err != nil {
			return err
		}
		HostsTotal.Reset()
		for _, h := range hosts {
			HostsTotal.WithLabelValues(h.Status).Inc()
		}

		links, err := tx.AllUserLinks()
		if err != nil {
			return err
		}
		CredentialsTotal.Reset()
		counts := map[types.CredentialState]int{}
		for _, l := range links {
			counts[l.State]++
		}
		for state, n := range counts {
			CredentialsTotal.WithLabelValues(string(state)).Set(float64(n))
		}
		return nil
	})
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to collect graph metrics")
	}
}
