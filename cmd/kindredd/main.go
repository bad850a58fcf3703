package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/ecamargo/kindred/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "config file path (defaults to ~/.kindred/config.toml)")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
