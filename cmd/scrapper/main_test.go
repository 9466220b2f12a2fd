package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvMissingFileIsIgnored(t *testing.T) {
	t.Parallel()

	require.NoError(t, loadEnv(filepath.Join(t.TempDir(), "absent.env")))
	require.NoError(t, loadEnv(""))
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SCRAPPER_TEST_A=file\nSCRAPPER_TEST_B=file\n"), 0o600))
	t.Setenv("SCRAPPER_TEST_A", "process")
	t.Setenv("SCRAPPER_TEST_B", "")
	require.NoError(t, os.Unsetenv("SCRAPPER_TEST_B"))

	require.NoError(t, loadEnv(path))
	require.Equal(t, "process", os.Getenv("SCRAPPER_TEST_A"))
	require.Equal(t, "file", os.Getenv("SCRAPPER_TEST_B"))
}

func TestRunRejectsBadInput(t *testing.T) {
	t.Parallel()

	require.Error(t, run([]string{"-nope"}))

	err := run([]string{"-env", "", "-config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "load config")
}
