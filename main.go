package main

import "github.com/tryloop/demobroker/cmd"

func main() {
	cmd.Execute()
}
