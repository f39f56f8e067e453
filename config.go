package framfs

import "periph.io/x/conn/v3/physic"

const (
	DefaultFrequency  = 4 * physic.MegaHertz
	DefaultMountPoint = "/fram"
	DefaultMaxFiles   = 10
)

// Config is what Begin needs besides the select line and the bus.
type Config struct {
	Frequency     physic.Frequency
	MountPoint    string
	MaxFiles      int
	FormatIfEmpty bool
	ForceFormat   bool
}

func DefaultConfig() Config {
	return Config{
		Frequency:  DefaultFrequency,
		MountPoint: DefaultMountPoint,
		MaxFiles:   DefaultMaxFiles,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Frequency == 0 {
		c.Frequency = d.Frequency
	}
	if c.MountPoint == "" {
		c.MountPoint = d.MountPoint
	}
	if c.MaxFiles == 0 {
		c.MaxFiles = d.MaxFiles
	}
	return c
}
