// Command glucosync is the command line of the glucose sync core.
package main

import (
	"context"
	"os"

	"github.com/diabetactic/glucosync/internal/cli"
)

func main() {
	os.Exit(cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
