package main

import (
	"context"
	"fmt"
	"os"

	"erpsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "erpsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
