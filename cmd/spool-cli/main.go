package main

import "github.com/unijord/spool/cmd/spool-cli/cmd"

func main() {
	cmd.Execute()
}
