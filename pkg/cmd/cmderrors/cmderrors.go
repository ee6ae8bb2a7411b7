// Package cmderrors routes command failures through the error reporter and
// prints them with their remediation directive.
package cmderrors

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
	"github.com/seshdev/sesh-cli/pkg/featureflag"
	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// DisplayAndHandleCmdError runs cmdFunc for the named command, reporting and
// displaying any failure. Dev builds keep the full trace; release builds
// return the cause.
func DisplayAndHandleCmdError(t *terminal.Terminal, name string, cmdFunc func() error) error {
	reporter := sesherrors.GetDefaultErrorReporter()
	reporter.AddTag("command", name)

	err := cmdFunc()
	if err == nil {
		return nil
	}
	cause := errors.Cause(err)
	if validationErr, ok := cause.(sesherrors.ValidationError); ok {
		// a user mistake, not a crash worth reporting
		t.Eprint(t.Yellow(validationErr.Error()))
		return cause
	}
	reporter.ReportMessage(err.Error())
	reporter.ReportError(err)
	t.Errprint(err, "")
	if featureflag.IsDev() {
		return err
	}
	return cause //nolint:wrapcheck // the trace was already displayed and reported
}

// WrapRunE adapts a cobra RunE so every command goes through
// DisplayAndHandleCmdError.
func WrapRunE(t *terminal.Terminal, name string, runE func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return DisplayAndHandleCmdError(t, name, func() error {
			return runE(cmd, args)
		})
	}
}
