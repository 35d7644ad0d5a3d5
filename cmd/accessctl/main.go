// Command accessctl operates the access-code engine from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	root, c := newRootCmd()
	err := root.Execute()
	err = errors.Join(err, c.close(context.Background()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
