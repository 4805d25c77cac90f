package main

import "github.com/conneroisu/ptblm/cmd"

func main() {
	cmd.Execute()
}
