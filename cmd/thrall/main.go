package main

import "github.com/knarrhq/thrall/internal/cli"

func main() {
	cli.Execute()
}
