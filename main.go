package main

import "github.com/kozaktomas/doppel/cmd"

func main() {
	cmd.Execute()
}
