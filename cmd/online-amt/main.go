// Command online-amt is a streaming automatic piano transcription server and
// command-line transcriber.
//
// Usage:
//
//	online-amt serve [--config config.yaml]
//	online-amt transcribe [--checkpoint model.msgpack] [--json] FILE.wav...
//	online-amt checkpoint init [--seed N] OUT.msgpack
//	online-amt version
package main

import (
	"fmt"
	"os"

	"github.com/MeBadDev/online-amt/cmd/online-amt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "online-amt:", err)
		os.Exit(1)
	}
}
