package ippclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadLocalServerOverrideReadsClientConfFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "client.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("ServerName printserver.local:8631\nEncryption required\nUser alice\n"), 0o644))

	t.Setenv("CUPS_CLIENT_CONF", confPath)
	t.Setenv("CUPS_SERVER", "")
	t.Setenv("CUPS_ENCRYPTION", "")
	t.Setenv("CUPS_USER", "")
	t.Setenv("CUPS_PASSWORD", "")
	t.Setenv("CUPS_VALIDATECERTS", "")
	t.Setenv("CUPS_IPP_INSECURE", "")

	got := LoadLocalServerOverride()
	require.Equal(t, "printserver.local", got.Host)
	require.Equal(t, 8631, got.Port)
	require.True(t, got.UseTLS)
	require.Equal(t, "alice", got.User)
}

func TestLoadLocalServerOverrideEnvTakesPrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "client.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("ServerName fromfile.local\n"), 0o644))

	t.Setenv("CUPS_CLIENT_CONF", confPath)
	t.Setenv("CUPS_SERVER", "fromenv.local:631")
	t.Setenv("CUPS_ENCRYPTION", "never")
	t.Setenv("CUPS_USER", "")
	t.Setenv("CUPS_PASSWORD", "")
	t.Setenv("CUPS_VALIDATECERTS", "")
	t.Setenv("CUPS_IPP_INSECURE", "")

	got := LoadLocalServerOverride()
	require.Equal(t, "fromenv.local", got.Host)
	require.Equal(t, 631, got.Port)
	require.False(t, got.UseTLS)
}

func TestLoadLocalServerOverrideDefaultsWhenNothingConfigured(t *testing.T) {
	t.Setenv("CUPS_CLIENT_CONF", filepath.Join(t.TempDir(), "missing.conf"))
	t.Setenv("CUPS_CLIENT_CONF_DIR", t.TempDir())
	t.Setenv("CUPS_SERVER", "")
	t.Setenv("CUPS_ENCRYPTION", "")
	t.Setenv("CUPS_USER", "")
	t.Setenv("CUPS_PASSWORD", "")
	t.Setenv("CUPS_VALIDATECERTS", "")
	t.Setenv("CUPS_IPP_INSECURE", "")
	t.Setenv("CUPS_USER_CONF_DIR", t.TempDir())

	got := LoadLocalServerOverride()
	require.Equal(t, "localhost", got.Host)
	require.Equal(t, 631, got.Port)
	require.False(t, got.UseTLS)
	require.False(t, got.InsecureSkipVerify)
}
