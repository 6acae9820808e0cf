// Command refrace runs staged multi-client scripts against a versioned SQL
// ref store and reports the first failure at each stage barrier.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/refrace/internal/cli"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cmd := cli.NewRootCommand()
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "refrace: %v\n", err)
	}
	return cli.GetExitCode(err)
}
