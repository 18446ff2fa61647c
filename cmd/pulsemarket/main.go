package main

import (
	"pulsemarket/internal/cli"
)

func main() {
	cli.Execute()
}
