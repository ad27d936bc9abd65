package main

import "github.com/netopshq/dnsfwd/cmd/cli"

func main() {
	cli.Main()
}
