package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/b0tShaman/moco-go/commands"
)

// Version information (set by the release build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Hardware Setup
	runtime.GOMAXPROCS(runtime.NumCPU())

	commands.SetVersion(version, commit, date)

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
