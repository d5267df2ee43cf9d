// Command putsql drains a durable queue of SQL work units into a database.
package main

import (
	"os"

	"github.com/roach88/putsql/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
