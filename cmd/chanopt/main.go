// Package main is the single-binary entrypoint for chanopt.
package main

import "github.com/tutu-network/chanopt/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
