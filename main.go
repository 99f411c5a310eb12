package main

import "github.com/riftline/oprelay/cmd"

func main() {
	cmd.Execute()
}
