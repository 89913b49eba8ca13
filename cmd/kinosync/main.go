package main

import (
	"context"
	"os"

	"github.com/mmcdole/kinosync/internal/cli"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	cli.Version = Version
	os.Exit(cli.Execute(context.Background()))
}
