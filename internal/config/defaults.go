package config

import (
	"runtime"

	"github.com/spf13/viper"
	"github.com/stone-age-io/pigzd/internal/probe"
)

// PlatformDefaults returns platform-specific default values
type PlatformDefaults struct {
	LogFile    string
	ConfigPath string
	StorePath  string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:    `C:\ProgramData\pigzd\pigzd.log`,
			ConfigPath: `C:\ProgramData\pigzd\config.yaml`,
			StorePath:  `C:\ProgramData\pigzd\history.db`,
		}
	case "freebsd":
		return PlatformDefaults{
			LogFile:    "/var/log/pigzd/pigzd.log",
			ConfigPath: "/usr/local/etc/pigzd/config.yaml",
			StorePath:  "/var/db/pigzd/history.db",
		}
	default:
		return PlatformDefaults{
			LogFile:    "/var/log/pigzd/pigzd.log",
			ConfigPath: "/etc/pigzd/config.yaml",
			StorePath:  "/var/lib/pigzd/history.db",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// applyPlatformDefaults registers the platform-specific viper defaults
func applyPlatformDefaults(v *viper.Viper) {
	defaults := GetPlatformDefaults()

	v.SetDefault("probe.exporter_url", probe.GetDefaultExporterURL())
	v.SetDefault("store.path", defaults.StorePath)
	v.SetDefault("logging.file", defaults.LogFile)
}
