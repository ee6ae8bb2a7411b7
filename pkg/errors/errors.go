package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"

	"github.com/seshdev/sesh-cli/pkg/cmd/version"
	"github.com/seshdev/sesh-cli/pkg/config"
	"github.com/seshdev/sesh-cli/pkg/featureflag"
)

type SeshError interface {
	// Error returns a user-facing string explaining the error
	Error() string

	// Directive returns a user-facing string explaining how to overcome the error
	Directive() string
}

type ErrorReporter interface {
	Setup() func()
	Flush()
	ReportMessage(string) string
	ReportError(error) string
	AddTag(key string, value string)
}

func GetDefaultErrorReporter() ErrorReporter {
	return SentryErrorReporter{}
}

type SentryErrorReporter struct{}

var _ ErrorReporter = SentryErrorReporter{}

func (s SentryErrorReporter) Setup() func() {
	if !featureflag.IsDev() {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     config.GlobalConfig.GetSentryURL(),
			Release: version.Version,
		})
		if err != nil {
			fmt.Println(err)
		}
	}
	return func() {
		err := recover()
		if err != nil {
			sentry.CurrentHub().Recover(err)
			sentry.Flush(time.Second * 5)
			panic(err)
		}
		sentry.Flush(2 * time.Second)
	}
}

func (s SentryErrorReporter) Flush() {
	sentry.Flush(time.Second * 2)
}

func (s SentryErrorReporter) ReportMessage(msg string) string {
	event := sentry.CaptureMessage(msg)
	if event != nil {
		return string(*event)
	} else {
		return ""
	}
}

func (s SentryErrorReporter) ReportError(e error) string {
	event := sentry.CaptureException(e)
	if event != nil {
		return string(*event)
	} else {
		return ""
	}
}

func (s SentryErrorReporter) AddTag(key string, value string) {
	scope := sentry.CurrentHub().Scope()
	scope.SetTag(key, value)
}

func WrapAndTrace(err error, messages ...string) error {
	message := ""
	for _, m := range messages {
		message += fmt.Sprintf(" %s", m)
	}
	return errors.Wrap(err, MakeErrorMessage(message))
}

func MakeErrorMessage(message string) string {
	_, fn, line, _ := runtime.Caller(2)
	return fmt.Sprintf("[error] %s:%d %s\n\t", fn, line, message)
}

type ValidationError struct {
	Message string
}

func NewValidationError(message string) ValidationError {
	return ValidationError{Message: message}
}

var _ error = ValidationError{}

func (v ValidationError) Error() string {
	return v.Message
}

// CommandFailed is returned when a command run through a session exits
// non-zero and the caller did not ask for warn-only behavior.
type CommandFailed struct {
	Command  string
	ExitCode int
	Stderr   string
}

var _ SeshError = CommandFailed{}

func (e CommandFailed) Error() string {
	msg := fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e CommandFailed) Directive() string {
	return "inspect the command output above and retry"
}

// ConnectionSetupError means the reusable SSH control socket could not be
// established.
type ConnectionSetupError struct {
	Host   string
	Reason string
}

var _ SeshError = ConnectionSetupError{}

func (e ConnectionSetupError) Error() string {
	return fmt.Sprintf("unable to set up a reusable SSH connection to %s: %s", e.Host, e.Reason)
}

func (e ConnectionSetupError) Directive() string {
	return fmt.Sprintf("check that `ssh %s` works on its own, then try again", e.Host)
}

// UnsupportedPlatformError is raised before any network attempt on platforms
// whose SSH client lacks multiplexing support (ControlMaster, ControlPath,
// ControlPersist).
type UnsupportedPlatformError struct{}

var _ SeshError = UnsupportedPlatformError{}

func (e UnsupportedPlatformError) Error() string {
	return "this feature requires an SSH client with multiplexing support, which is not available on this platform"
}

func (e UnsupportedPlatformError) Directive() string {
	return "consider switching to the Windows Subsystem for Linux (WSL): https://learn.microsoft.com/en-us/windows/wsl/install"
}

// AllocationError means a job id could not be parsed from the scheduler's
// submission output.
type AllocationError struct {
	Output string
}

var _ SeshError = AllocationError{}

func (e AllocationError) Error() string {
	msg := "unable to parse a job id from the scheduler submission output"
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e AllocationError) Directive() string {
	return "check the scheduler output above; the allocation may have been rejected"
}

// JobNotRunningError is raised when running a command on a compute-node
// session whose job has already been closed.
type JobNotRunningError struct {
	JobID int
}

var _ SeshError = JobNotRunningError{}

func (e JobNotRunningError) Error() string {
	return fmt.Sprintf("the session for job %d has been closed and is unusable, since the job has already ended", e.JobID)
}

func (e JobNotRunningError) Directive() string {
	return "allocate a new job or connect to a running one"
}

// AmbiguousJobError is raised when a node name maps to more than one of the
// user's jobs.
type AmbiguousJobError struct {
	NodeName string
	JobIDs   []int
}

var _ SeshError = AmbiguousJobError{}

func (e AmbiguousJobError) Error() string {
	ids := make([]string, 0, len(e.JobIDs))
	for _, id := range e.JobIDs {
		ids = append(ids, fmt.Sprint(id))
	}
	return fmt.Sprintf("more than one job is running on node %s: %s", e.NodeName, strings.Join(ids, ", "))
}

func (e AmbiguousJobError) Directive() string {
	return "pass the job id of the job you want to connect to with --job"
}

// ParseError means output from an external command did not match the format
// this cli knows how to read. It is distinct from CommandFailed so that a
// format drift in scheduler output is not mistaken for a failed user command.
type ParseError struct {
	Source string // the external command whose output was being parsed
	Text   string
}

var _ SeshError = ParseError{}

func (e ParseError) Error() string {
	return fmt.Sprintf("unexpected %s output: %q", e.Source, e.Text)
}

func (e ParseError) Directive() string {
	return "this may indicate a scheduler or ssh client version change; please report it"
}
