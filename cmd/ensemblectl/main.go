package main

import (
	"os"

	"github.com/ensemblesync/ensemble/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
