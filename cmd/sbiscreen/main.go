package main

import (
	"os"

	"github.com/consultant-1379/sc-envoy-sub001/cmd/sbiscreen/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
