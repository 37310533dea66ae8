package main

import "sol-custody/internal/cli"

func main() {
	cli.Execute()
}
