// Command batchmigrate inspects and controls executions without migrations of
// its own: status, history, logs, cancel and schema. Binaries that register
// migrations embed the same commands through the cli package.
package main

import (
	"context"

	"github.com/platforma-dev/batchmigrate/cli"
	"github.com/platforma-dev/batchmigrate/migration"
)

func main() {
	cli.Execute(context.Background(), migration.NewRegistry())
}
