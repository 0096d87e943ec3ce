package main

import (
	"os"

	"github.com/wwwzy/nyc311bot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
