package main

import (
	"car.autorunner.dev/cli"
)

func main() {
	cli.Execute()
}
