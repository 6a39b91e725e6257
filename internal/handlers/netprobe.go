package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
)

// NetProbe measures latency to the nearest public speedtest server. Only
// the ping phase runs; no bandwidth test, so a probe costs a few KB.
type NetProbe struct {
	Timeout time.Duration
}

func NewNetProbe() *NetProbe {
	return &NetProbe{Timeout: 20 * time.Second}
}

func (p *NetProbe) Ping(ctx context.Context) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Fresh client per probe; the package-level default client retains state
	// across runs.
	st := speedtest.New()
	defer st.Reset()

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return 0, fmt.Errorf("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})

	// Try a few of the closest servers; one flaky host should not fail the
	// whole health check.
	var lastErr error
	tries := 3
	if tries > len(servers) {
		tries = len(servers)
	}
	for _, srv := range servers[:tries] {
		if err := srv.PingTestContext(ctx, nil); err != nil {
			lastErr = err
			continue
		}
		if srv.Latency > 0 {
			return srv.Latency, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable latency measurement")
	}
	return 0, lastErr
}
