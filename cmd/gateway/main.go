// Command gateway runs the MCP provisioning gateway: an MCP server in
// front of a MAAS region controller, with response caching in between.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "configs/gateway.yaml", "path to the configuration file")
		watchConfig = flag.Bool("watch-config", false, "reload cache settings when the configuration file changes")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("metalmcp", version)
		return
	}

	app, err := newApp(*configPath, *watchConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}

	if err := app.run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway failed:", err)
		os.Exit(1)
	}
}
