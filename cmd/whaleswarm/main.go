package main

import (
	"whale-swarm/internal/cli"
)

func main() {
	cli.Execute()
}
