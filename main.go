package main

import "github.com/lattice-dev/latticebench/internal/cli"

func main() {
	cli.Execute()
}
