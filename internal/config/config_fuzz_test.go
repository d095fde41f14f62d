package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds arbitrary YAML through the loader looking for panics.
func FuzzLoadFromYAML(f *testing.F) {
	f.Add([]byte(`
services:
  - name: users
    instances:
      - url: "http://localhost:3001"
store:
  backend: memory
`))
	f.Add([]byte(``))
	f.Add([]byte(`
server:
  address: ":0"
  tls:
    enabled: true
    cert_file: /nonexistent
    key_file: /nonexistent
    min_version: "1.3"
services:
  - name: orders
    algorithm: weighted_round_robin
    sticky_sessions: true
    protocol: h2c
    health_check:
      type: grpc
      interval: 1s
    circuit_breaker:
      error_threshold_percentage: 25
      volume_threshold: 3
      ignore_errors: [timeout]
    fallback:
      mode: cached
    instances:
      - id: o1
        url: "https://orders:8443"
        weight: 3
      - id: o2
        url: "http://orders-2"
        weight: 0
rate_limit:
  tiers:
    free: 10
    gold: -1
  default_tier: gold
versioning:
  default: "3"
  versions:
    - version: v3
      sunset_date: not-a-date
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		_, _ = LoadFromPath(path)
	})
}
