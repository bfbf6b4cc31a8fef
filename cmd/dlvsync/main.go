package main

import (
	"os"

	"github.com/go-delve/dlvsync/cmd/dlvsync/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
