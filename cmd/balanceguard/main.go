package main

import "balance-guard/internal/cli"

func main() {
	cli.Execute()
}
