package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "koi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: test-agent
llms:
  default:
    provider: anthropic
    model: claude-sonnet
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-agent", cfg.Name)
	assert.Equal(t, 3, cfg.Agent.PivotBudget)
	assert.Equal(t, 10, cfg.Agent.MaxConsecutiveErrs)
	assert.Equal(t, 6, cfg.Agent.MemoryRecentWindow)
	assert.Equal(t, 20, cfg.Agent.MemoryMidWindow)
	assert.Equal(t, 40, cfg.Agent.MemoryLongWindow)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("KOI_TEST_API_KEY", "secret-value")
	path := writeConfig(t, `
llms:
  default:
    provider: anthropic
    api_key: ${KOI_TEST_API_KEY}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", cfg.LLMs["default"].APIKey)
}

func TestLoadRejectsMCPEntryWithNoTransport(t *testing.T) {
	path := writeConfig(t, `
mcp:
  search: {}
`)
	_, err := Load(path)
	require.Error(t, err)
}
