package config

const (
	DeviceKindMemory   = "memory"
	DeviceKindFile     = "file"
	DeviceKindPostgres = "postgres"
)

// DeviceConfig describes one block device made available to mounts.
type DeviceConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path"`
	Size     int64  `yaml:"size"`
	ReadOnly bool   `yaml:"read_only"`

	// Postgres-backed devices.
	Token    string `yaml:"token"`
	PageSize int    `yaml:"page_size"`
	Table    string `yaml:"table"`

	// Format the device with ext2 when it does not carry a superblock yet.
	Format bool `yaml:"format"`
}

type MountConfig struct {
	Path    string `yaml:"path"`
	Device  string `yaml:"device"`
	Driver  string `yaml:"driver"`
	Options string `yaml:"options"`
}

type Ext2Config struct {
	BlockSize      uint32 `yaml:"block_size" env-default:"1024"`
	InodesPerGroup uint32 `yaml:"inodes_per_group"`
	FileType       bool   `yaml:"file_type" env-default:"true"`
}
