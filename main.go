package main

import (
	"os"

	"djp.chapter42.de/renderq/internal/cli"
)

func main() {
	if err := cli.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
