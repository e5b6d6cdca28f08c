package config

const (
	DeviceKindMemory   = "memory"
	DeviceKindFile     = "file"
	DeviceKindPostgres = "postgres"
)

// DeviceConfig describes one block device attached at boot under /dev/<name>.
type DeviceConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind" env-default:"memory"`
	Path       string `yaml:"path"`
	Size       int64  `yaml:"size" env-default:"8388608"`
	SectorSize int    `yaml:"sector_size" env-default:"512"`
	// Format writes a fresh ext2 image before probing.
	Format bool `yaml:"format"`
}

type MountConfig struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}
