package config

import (
	internallog "github.com/usbip-go/usbipd/internal/log"
	"github.com/usbip-go/usbipd/internal/cmd"
)

// CLI is the root Kong command tree for the usbipd binary.
type CLI struct {
	Server cmd.Server `cmd:"" default:"1" help:"Run the USB/IP URB multiplexer server"`

	Log    internallog.Config `embed:"" prefix:"log."`
	Config string             `help:"path to a JSON/YAML/TOML config file" env:"USBIPD_CONFIG"`
}
