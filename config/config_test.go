package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
self_id: norte
peers:
  - id: norte
    address: localhost:8001
  - id: sul
    address: localhost:8002
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "norte", cfg.SelfID)
	assert.Equal(t, 50, cfg.InitialStock)
	assert.Equal(t, 3, cfg.PackSize)
	assert.Equal(t, 5, cfg.CASRetries)
	assert.Equal(t, 2*time.Second, cfg.PrepareTimeout)
	assert.Equal(t, 5*time.Second, cfg.DecideTimeout)
	assert.Equal(t, 30*time.Second, cfg.RecoveryAfter)
	assert.Equal(t, 10*time.Minute, cfg.BlockMax)
	assert.Equal(t, 24*time.Hour, cfg.RetentionWindow)
}

func TestLoadRejectsBadTopologies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing self", `
peers:
  - id: norte
    address: localhost:8001
`},
		{"empty peers", `
self_id: norte
`},
		{"self not listed", `
self_id: oeste
peers:
  - id: norte
    address: localhost:8001
`},
		{"duplicate peer", `
self_id: norte
peers:
  - id: norte
    address: localhost:8001
  - id: norte
    address: localhost:8002
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestRegistryHelpers(t *testing.T) {
	cfg := &Config{
		SelfID: "sul",
		Peers: []Peer{
			{ID: "norte", Address: "localhost:8001"},
			{ID: "sul", Address: "localhost:8002"},
			{ID: "leste", Address: "localhost:8003"},
		},
	}

	assert.Equal(t, []string{"norte", "sul", "leste"}, cfg.PeerIDs())

	addr, ok := cfg.AddressOf("leste")
	require.True(t, ok)
	assert.Equal(t, "localhost:8003", addr)
	_, ok = cfg.AddressOf("oeste")
	assert.False(t, ok)

	others := cfg.Others()
	require.Len(t, others, 2)
	for _, p := range others {
		assert.NotEqual(t, "sul", p.ID)
	}
}
