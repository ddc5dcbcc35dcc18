package main

import (
	"os"

	"github.com/hkuds/filecage/cmd/filecage/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
