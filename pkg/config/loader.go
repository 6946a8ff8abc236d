package config

import (
	"os"

	"github.com/kkyr/fig"
)

const EnvPrefix = "ASTROVIA"

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom dir of the configuration file.
// Environment variables with the ASTROVIA_ prefix override file values,
// uppercase and separated with _.
func LoadConfig(config any, path string) error {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home+"/.astrovia")
		}
	}
	return fig.Load(config, fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}

// LoadConfigEnv loads the config from defaults and environment only.
func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}
