package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("KCORE_TEST_IMAGE", "/tmp/disk.img")

	data := []byte(`
app:
  port: 9090
log:
  format: tint
devices:
  - name: sda
    kind: file
    path: ${KCORE_TEST_IMAGE}
mounts:
  - source: /dev/sda
    target: /
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, "tint", cfg.Log.Format)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "/tmp/disk.img", cfg.Devices[0].Path)
	assert.Equal(t, DeviceKindFile, cfg.Devices[0].Kind)
	require.Len(t, cfg.Mounts, 1)
	assert.Equal(t, "/dev/sda", cfg.Mounts[0].Source)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Parallel()

	c := DatabaseConfig{
		Host:     "db",
		Port:     5433,
		User:     "kernel",
		Password: "s3cret",
		Name:     "kcore",
		SSLMode:  "disable",
	}

	assert.Equal(t, "postgres://kernel:s3cret@db:5433/kcore?sslmode=disable", c.DSN())
}
