package main

import "github.com/forPelevin/petclip/internal/cli"

func main() {
	cli.Main()
}
