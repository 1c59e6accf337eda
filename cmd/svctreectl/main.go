package main

import (
	"fmt"
	"os"

	logs "github.com/danmuck/svctree/internal/logging"
)

func main() {
	logs.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "svctreectl: %v\n", err)
		os.Exit(1)
	}
}
