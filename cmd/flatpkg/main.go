package main

import "github.com/oshokin/flatpkg/cmd/flatpkg/cmd"

func main() {
	cmd.Execute()
}
