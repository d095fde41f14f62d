package loadbalancer

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/edgequota/edgegate/internal/config"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func disabled() *bool {
	f := false
	return &f
}

// testService builds a normalized service with n instances on distinct ports.
func testService(name string, alg config.Algorithm, n int) config.ServiceConfig {
	svc := config.ServiceConfig{
		Name:        name,
		Algorithm:   alg,
		HealthCheck: config.HealthCheckConfig{Enabled: disabled()},
	}
	for i := range n {
		svc.Instances = append(svc.Instances, config.InstanceConfig{
			ID:     fmt.Sprintf("%s-%d", name, i+1),
			URL:    fmt.Sprintf("http://10.0.0.%d:8080", i+1),
			Weight: 1,
		})
	}
	return svc
}

func healthyInstances(t *testing.T, n int) []*Instance {
	t.Helper()
	out := make([]*Instance, n)
	for i := range n {
		in, err := NewInstance(config.InstanceConfig{ID: fmt.Sprintf("i%d", i+1), URL: fmt.Sprintf("http://10.0.0.%d:80", i+1), Weight: 1})
		require.NoError(t, err)
		in.SetHealth(HealthHealthy)
		out[i] = in
	}
	return out
}
