package main

import "github.com/oshokin/flatpkg/cmd/flatpkg-server/cmd"

func main() {
	cmd.Execute()
}
