package main

import (
	"os"

	"rulewatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
