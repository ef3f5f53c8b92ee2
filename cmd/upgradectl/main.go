package main

import (
	"fmt"
	"io"
	"os"

	"github.com/xiaoruiguo/crowbar-core/internal/errors"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code for the result
func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return 0
	}

	// cobra's own usage errors are untyped
	ue, ok := errors.As(err)
	if !ok {
		ue = errors.InvalidRequest(err.Error())
	}
	reportError(stderr, ue)
	return ue.Kind.ExitCode()
}

func reportError(w io.Writer, ue *errors.UpgradeError) {
	fmt.Fprintf(w, "Error [%s]: %s\n", ue.Kind, ue.Error())
	for _, f := range ue.Nodes {
		switch {
		case f.Error != "":
			fmt.Fprintf(w, "  %s: %s\n", f.Node, f.Error)
		case f.Stderr != "":
			fmt.Fprintf(w, "  %s: exit %d: %s\n", f.Node, f.ExitCode, f.Stderr)
		default:
			fmt.Fprintf(w, "  %s: exit %d\n", f.Node, f.ExitCode)
		}
	}
}
