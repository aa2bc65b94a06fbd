// Command strata is the CLI for the strata event-sourced document store.
package main

import "github.com/stratadb/strata/internal/cli"

func main() {
	cli.Execute()
}
