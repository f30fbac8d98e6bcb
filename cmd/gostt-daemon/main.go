// Command gostt-daemon is a speech-to-text daemon: it reads JSON requests
// line by line on stdin, answers each with one JSON line on stdout and
// reports progress as JSON lines on stderr.
package main

import (
	"fmt"
	"os"

	"github.com/chaz8081/gostt-daemon/internal/diag"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Errors from the running daemon are already on stderr as JSON.
		if !diag.IsReported(err) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
