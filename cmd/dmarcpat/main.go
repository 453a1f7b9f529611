package main

import "github.com/aaronromeo/dmarcpat/internal/cli"

func main() {
	cli.Execute()
}
