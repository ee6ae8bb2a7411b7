package main

import (
	"os"

	"github.com/seshdev/sesh-cli/pkg/cmd"
	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
)

func main() {
	cleanup := sesherrors.GetDefaultErrorReporter().Setup()
	defer cleanup()

	command := cmd.NewDefaultSeshCommand()

	if err := command.Execute(); err != nil {
		sesherrors.GetDefaultErrorReporter().Flush()
		os.Exit(1)
	}
}
