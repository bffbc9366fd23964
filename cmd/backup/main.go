package main

import (
	"os"

	"github.com/steel97/backup/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
