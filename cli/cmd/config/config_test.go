package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline/flowline/pkg/config"
)

func TestSettings(t *testing.T) {
	t.Run("Should flatten settings with their sources and env vars", func(t *testing.T) {
		svc := config.NewService()
		cfg, err := svc.Load(t.Context(), config.NewCLIProvider(map[string]any{"max-forks": 4}))
		require.NoError(t, err)

		settings, err := Settings(cfg, svc)
		require.NoError(t, err)
		byPath := make(map[string]Setting, len(settings))
		for _, s := range settings {
			byPath[s.Path] = s
		}

		forks := byPath["runtime.max_concurrent_tasks"]
		assert.Equal(t, config.SourceCLI, forks.Source)
		assert.EqualValues(t, 4, forks.Value)
		assert.Equal(t, "FLOWLINE_MAX_CONCURRENT_TASKS", forks.EnvVar)

		backend := byPath["executor.backend"]
		assert.Equal(t, config.SourceDefault, backend.Source)
		assert.Equal(t, "local", backend.Value)
	})

	t.Run("Should list settings sorted by path", func(t *testing.T) {
		svc := config.NewService()
		cfg, err := svc.Load(t.Context())
		require.NoError(t, err)
		settings, err := Settings(cfg, svc)
		require.NoError(t, err)
		require.NotEmpty(t, settings)
		for i := 1; i < len(settings); i++ {
			assert.Less(t, settings[i-1].Path, settings[i].Path)
		}
	})
}
