package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/localloop/internal/cli/receive"
	"github.com/sheerbytes/localloop/internal/cli/send"
	"github.com/sheerbytes/localloop/internal/termio"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(termio.Stdout(), "loop", version)
		return
	}

	switch args[0] {
	case "send":
		send.Run(args[1:])
	case "receive", "recv":
		receive.Run(args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: loop <command> [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  send      offer files to a peer on the same relay")
	fmt.Fprintln(termio.Stderr(), "  receive   wait for offers and save accepted files")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  loop receive --out ./downloads")
	fmt.Fprintln(termio.Stderr(), "  loop send <peer> <path1> <path2>...")
	fmt.Fprintln(termio.Stderr(), "  loop send --transport direct <peer> <path>")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  loop send --help")
	fmt.Fprintln(termio.Stderr(), "  loop receive --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
