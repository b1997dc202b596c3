package main

import "github.com/nextlevelbuilder/clawnode/cmd"

func main() {
	cmd.Execute()
}
