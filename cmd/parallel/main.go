// Command parallel runs the GPU kernels of package parallel from the
// command line and checks them against the host reference primitives.
package main

import (
	"log"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
