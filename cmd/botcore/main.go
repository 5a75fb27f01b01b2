package main

import (
	"context"
	"fmt"
	"os"

	"github.com/relaybot/core/cmd/botcore/cmd"
)

func main() {
	root := cmd.NewRoot()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
