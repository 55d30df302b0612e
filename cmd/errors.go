package cmd

import (
	"github.com/andresmejia3/visiontrainer/internal/utils"
)

// commandError is a fatal command failure. Execute prints it in the error box
// once the command's deferred cleanup and the shared teardown have run.
type commandError struct {
	context string
	err     error
	worker  *utils.SafeCommand // optional, its stderr is dumped with the error
}

func (e *commandError) Error() string { return e.context + ": " + e.err.Error() }

func (e *commandError) Unwrap() error { return e.err }

// fail wraps err for Execute. worker may be nil.
func fail(context string, err error, worker *utils.SafeCommand) error {
	return &commandError{context: context, err: err, worker: worker}
}
