package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goftpd/goftpd/pkg/ftp/server/commands"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, Validate(cfg))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":2121", cfg.Server.Addr)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.yaml")
	body := `
server:
  addr: "127.0.0.1:2200"
  greeting: "hi"
  mode: pooled
  active_passive_mode: both
  site_md5: disabled
  idle_timeout: 2m
passive:
  port_low: 50000
  port_high: 50099
  retries: 5
logging:
  level: debug
  format: json
  output: stdout
auth:
  driver: jsonfile
  jsonfile:
    path: users.json
storage:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2200", cfg.Server.Addr)
	assert.Equal(t, "pooled", cfg.Server.Mode)
	assert.Equal(t, int64(2*60*1e9), int64(cfg.Server.IdleTimeout))
	assert.Equal(t, 50000, cfg.Passive.PortLow)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.yaml")
	body := `
server:
  addr: ":2121"
  mode: bogus
  active_passive_mode: both
  site_md5: disabled
logging:
  level: info
  format: text
  output: stdout
auth:
  driver: jsonfile
storage:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestServerConfigTranslatesToCommandsEnums(t *testing.T) {
	sc := ServerConfig{Mode: "proxy", ActivePassiveMode: "active-only", SiteMD5: "all-users"}

	mode, err := sc.ConnectionMode()
	require.NoError(t, err)
	assert.Equal(t, commands.Proxy, mode)

	apm, err := sc.ActivePassiveModeValue()
	require.NoError(t, err)
	assert.Equal(t, commands.ActiveOnly, apm)

	md5, err := sc.SiteMD5Policy()
	require.NoError(t, err)
	assert.Equal(t, commands.SiteMD5AllUsers, md5)
}

func TestServerConfigRejectsUnknownMode(t *testing.T) {
	sc := ServerConfig{Mode: "nonsense"}
	_, err := sc.ConnectionMode()
	assert.Error(t, err)
}

func TestTLSConfigFTPSRequirement(t *testing.T) {
	tc := TLSConfig{RequireData: "accept-anonymous"}
	req, err := tc.FTPSRequirement()
	require.NoError(t, err)
	assert.Equal(t, commands.FTPSAcceptAnonymous, req)

	tc = TLSConfig{}
	req, err = tc.FTPSRequirement()
	require.NoError(t, err)
	assert.Equal(t, commands.FTPSNone, req)
}

func TestSaveRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "0.0.0.0:2121"
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:2121", loaded.Server.Addr)
}
