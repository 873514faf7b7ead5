// Package config resolves on-disk configuration file locations and holds
// the root Kong CLI struct, adapted from the teacher's internal/config and
// internal/configpaths packages.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigDir returns the platform-specific configuration directory
// for usbipd.
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, "usbipd"), nil
		}
		return "", errors.New("AppData not set")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "usbipd"), nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".config", "usbipd"), nil
		}
		return "", errors.New("HOME not set")
	}
}

// EnsureDir ensures the directory containing filePath exists.
func EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0o755)
}

// FindUserConfig scans argv for an explicit --config flag before Kong has
// parsed anything, since the config file path itself must be known prior to
// building the kong.Configuration loaders. Falls back to USBIPD_CONFIG.
func FindUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case len(a) > len("--config=") && a[:len("--config=")] == "--config=":
			return a[len("--config="):]
		case a == "--config" && i+1 < len(args):
			return args[i+1]
		}
	}
	return os.Getenv("USBIPD_CONFIG")
}

// CandidatePaths builds the JSON/YAML/TOML candidate paths Kong should try,
// in priority order: an explicit user path first, then the working
// directory, then the config directory, then /etc on unix.
func CandidatePaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	add := func(slice *[]string, p string) { *slice = append(*slice, p) }

	if userPath != "" {
		switch filepath.Ext(userPath) {
		case ".yaml", ".yml":
			add(&yamlPaths, userPath)
		case ".toml":
			add(&tomlPaths, userPath)
		default:
			add(&jsonPaths, userPath)
		}
	}

	wd, _ := os.Getwd()
	add(&jsonPaths, filepath.Join(wd, "usbipd.json"))
	add(&yamlPaths, filepath.Join(wd, "usbipd.yaml"))
	add(&yamlPaths, filepath.Join(wd, "usbipd.yml"))
	add(&tomlPaths, filepath.Join(wd, "usbipd.toml"))

	if dir, err := DefaultConfigDir(); err == nil {
		add(&jsonPaths, filepath.Join(dir, "config.json"))
		add(&yamlPaths, filepath.Join(dir, "config.yaml"))
		add(&yamlPaths, filepath.Join(dir, "config.yml"))
		add(&tomlPaths, filepath.Join(dir, "config.toml"))
	}

	if runtime.GOOS != "windows" {
		add(&jsonPaths, "/etc/usbipd/config.json")
		add(&yamlPaths, "/etc/usbipd/config.yaml")
		add(&tomlPaths, "/etc/usbipd/config.toml")
	}

	return
}
