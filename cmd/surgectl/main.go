package main

import (
	"os"

	"github.com/surgeproject/surge/cmd/surgectl/cmd"
	"github.com/surgeproject/surge/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
