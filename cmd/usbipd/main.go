// Command usbipd runs the USB/IP URB multiplexer server.
package main

import (
	"os"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/usbip-go/usbipd/config"
	internallog "github.com/usbip-go/usbipd/internal/log"
)

func main() {
	userCfg := config.FindUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := config.CandidatePaths(userCfg)

	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("usbipd"),
		kong.Description("USB/IP URB multiplexer"),
		kong.UsageOnError(),
		// Flags and environment variables override values loaded from a
		// config file; files are tried in priority order per format.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger := internallog.SetupLogger(cli.Log, os.Stderr)

	ctx.Bind(logger)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
