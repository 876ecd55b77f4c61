package main

import (
	"os"
)

func main() {
	root := NewRootCommand(DefaultConfig())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
