package main

import "github.com/oshokin/torchd/cmd/torchd/cmd"

func main() {
	cmd.Execute()
}
