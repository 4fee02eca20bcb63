package app

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestApplyRuntimeDefaultsGeneratesMissingValues(t *testing.T) {
	cfg := &Config{}

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)

	require.Len(t, cfg.Auth.JWT.Secret, 2*jwtSecretBytes)
	_, err = uuid.Parse(cfg.Collaboration.InstanceID)
	require.NoError(t, err)
	require.True(t, generated["auth.jwt.secret"])
	require.True(t, generated["collaboration.instance_id"])
}

func TestApplyRuntimeDefaultsPreservesExistingValues(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.JWT.Secret = strings.Repeat("a", 10)
	cfg.Collaboration.InstanceID = "node-a"

	generated, err := ApplyRuntimeDefaults(cfg)
	require.NoError(t, err)
	require.Empty(t, generated)
	require.Equal(t, "node-a", cfg.Collaboration.InstanceID)
}

func TestApplyRuntimeDefaultsNilConfig(t *testing.T) {
	_, err := ApplyRuntimeDefaults(nil)
	require.ErrorContains(t, err, "config is nil")
}
