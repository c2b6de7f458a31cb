package main

import "github.com/oshokin/torchd/cmd/torchctl/cmd"

func main() {
	cmd.Execute()
}
