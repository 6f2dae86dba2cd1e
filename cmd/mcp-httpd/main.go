package main

import (
	"os"

	"github.com/MegaGrindStone/go-mcp-http/cmd/mcp-httpd/cmd"
)

func main() {
	root := cmd.RootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
