package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	require.Equal(t, []string{"free", "plus", "pro"}, c.Names())

	free, err := c.Get("free")
	require.NoError(t, err)
	require.Equal(t, "free", free.Name)
	require.Equal(t, []string{"free"}, free.Models)
	require.Equal(t, 20, free.RPM)
	require.Equal(t, 20000, free.TPM)

	pro, err := c.Get("pro")
	require.NoError(t, err)
	require.Equal(t, []string{"pro", "plus", "free"}, pro.Models)

	_, err = c.Get("enterprise")
	require.ErrorIs(t, err, ErrUnknownPlan)
}

func TestGet_returnsCopy(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	p, err := c.Get("plus")
	require.NoError(t, err)
	p.Models[0] = "tampered"

	again, err := c.Get("plus")
	require.NoError(t, err)
	require.Equal(t, "plus", again.Models[0])
}

func TestParse_invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not yaml", data: "plans: ["},
		{name: "empty", data: "plans: {}"},
		{name: "no models", data: "plans:\n  free:\n    rpm: 1\n    tpm: 1\n"},
		{name: "zero rpm", data: "plans:\n  free:\n    models: [a]\n    tpm: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plans:\n  team:\n    models: [team]\n    rpm: 5\n    tpm: 50\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"team"}, c.Names())

	c, err = Load("")
	require.NoError(t, err)
	require.Contains(t, c.Names(), "free")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
