package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutEnvFile(t *testing.T) {
	t.Setenv("LSNP_USER_ID", "")
	cfg, err := Load("nonexistent.env", []string{"-user", "alice"})
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.UserID)
	require.Equal(t, "alice", cfg.DisplayName, "display name defaults to user id")
	require.Equal(t, 50999, cfg.ListenPort)
	require.Equal(t, 300*time.Second, cfg.ProfileInterval)
}

func TestLoadRequiresUserID(t *testing.T) {
	t.Setenv("LSNP_USER_ID", "")
	_, err := Load("nonexistent.env", []string{})
	require.Error(t, err)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LSNP_USER_ID", "bob")
	t.Setenv("LSNP_LISTEN_PORT", "6000")
	cfg, err := Load("nonexistent.env", []string{"-port", "7000"})
	require.NoError(t, err)
	require.Equal(t, "bob", cfg.UserID)
	require.Equal(t, 7000, cfg.ListenPort)
}
