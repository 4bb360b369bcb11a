// memeperpd is the MemePerp trading daemon: per-token matching actors,
// risk and funding loops, the settlement bridge and the HTTP/WS surface,
// all in one process.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes are part of the operational contract.
const (
	exitOK          = 0
	exitBadConfig   = 1
	exitRepoFailed  = 2
	exitGatewayDown = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "memeperpd",
		Short:         "MemePerp perpetual futures engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newAdminCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "memeperpd:", err)
		code := exitBadConfig
		var xe *exitError
		if errors.As(err, &xe) {
			code = xe.code
		}
		os.Exit(code)
	}
}
