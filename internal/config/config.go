package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Database DatabaseConfig `yaml:"database"`
	Ext2     Ext2Config     `yaml:"ext2"`
	Devices  []DeviceConfig `yaml:"devices"`
	Mounts   []MountConfig  `yaml:"mounts"`
}

func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from config file: %s", configPath)
	}

	// Enrich with env variables
	data = expandEnvVars(data)

	tmp, err := os.CreateTemp("", "vfsd-config-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("cannot stage config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("cannot stage config: %w", err)
	}
	tmp.Close()

	// Serialize to struct
	var cfg Config
	if err := cleanenv.ReadConfig(tmp.Name(), &cfg); err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	names := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device without a name")
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		names[d.Name] = struct{}{}

		switch d.Kind {
		case DeviceKindMemory, DeviceKindFile, DeviceKindPostgres:
		default:
			return fmt.Errorf("device %q: unknown kind %q", d.Name, d.Kind)
		}
	}

	for _, m := range c.Mounts {
		if m.Device != "" {
			if _, ok := names[m.Device]; !ok {
				return fmt.Errorf("mount %q: unknown device %q", m.Path, m.Device)
			}
		}
	}

	return nil
}

func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
