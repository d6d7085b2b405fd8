// Command downloadq downloads URLs concurrently with priorities and retries.
//
// Usage:
//
//	downloadq get --priority high --concurrency 4 -o ./out https://example.com/a.iso https://example.com/b.iso
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
