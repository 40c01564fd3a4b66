package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/registry"
)

func testServices() []model.ServiceConfig {
	return []model.ServiceConfig{
		{Name: "scanner", Tools: []string{"sast", "secrets"}, Enabled: true},
		{Name: "prober", Tools: []string{"dast"}, Enabled: true},
		{Name: "retired", Tools: []string{"legacy"}, Enabled: false},
	}
}

func TestOwner(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(testServices())
	require.NoError(t, err)

	info, err := reg.Owner("sast")
	require.NoError(t, err)
	require.Equal(t, "scanner", info.Service)

	_, err = reg.Owner("nope")
	require.ErrorIs(t, err, model.ErrUnknownTool)

	// Tools of disabled services are unknown.
	_, err = reg.Owner("legacy")
	require.ErrorIs(t, err, model.ErrUnknownTool)
}

func TestGroupByService(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(testServices())
	require.NoError(t, err)

	t.Run("splits by owner preserving order", func(t *testing.T) {
		t.Parallel()
		groups, err := reg.GroupByService([]string{"secrets", "dast", "sast"})
		require.NoError(t, err)
		require.Equal(t, map[string][]string{
			"scanner": {"secrets", "sast"},
			"prober":  {"dast"},
		}, groups)
	})

	t.Run("any unknown tool fails the whole request", func(t *testing.T) {
		t.Parallel()
		_, err := reg.GroupByService([]string{"sast", "nope", "dast"})
		require.ErrorIs(t, err, model.ErrUnknownTool)
	})
}

func TestDuplicateOwnership(t *testing.T) {
	t.Parallel()

	_, err := registry.New([]model.ServiceConfig{
		{Name: "a", Tools: []string{"sast"}, Enabled: true},
		{Name: "b", Tools: []string{"sast"}, Enabled: true},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), `"sast"`)
}

func TestServicesAndTools(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(testServices())
	require.NoError(t, err)

	require.Equal(t, []string{"prober", "scanner"}, reg.Services())
	require.Equal(t, []string{"sast", "secrets"}, reg.ToolsOf("scanner"))
	require.Equal(t, []string{"dast", "sast", "secrets"}, reg.Tools())
	require.Empty(t, reg.ToolsOf("retired"))
}
