package main

import "github.com/qfgate/qfgate/internal/cli"

func main() {
	cli.Execute()
}
