package main

import (
	"os"

	"github.com/adalundhe/meanfield/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
