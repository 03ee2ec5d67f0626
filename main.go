package main

import (
	"context"
	"fmt"
	"os"

	"github.com/posthog/capture-flags/cmd"
)

func main() {
	root := cmd.IngestCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
