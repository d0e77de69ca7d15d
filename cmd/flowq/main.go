// flowq searches and summarizes the HTTP flow log written by flowguard.
//
// Usage:
//
//	flowq --recent 20
//	flowq --host example.com --detailed
//	flowq --flow-id 6f1c...
//	flowq --stats
//	flowq alerts --db flowguard.sqlite3
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
