package main

import (
	"fmt"
	"os"

	"github.com/RM0420/GoalGuard-sub000/cli"
	"github.com/RM0420/GoalGuard-sub000/engine"
)

func main() {
	mode := "engine"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "engine":
		engine.RunEngine()
	case "cli":
		cli.RunCLI()
	default:
		fmt.Printf("unknown mode %q: expected 'engine' or 'cli'\n", mode)
		os.Exit(1)
	}
}
