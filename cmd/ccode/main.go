package main

import "command-codes/cmd/ccode/cmd"

func main() {
	cmd.Execute()
}
