package main

import "github.com/nextlevelbuilder/clawlane/cmd"

func main() {
	cmd.Execute()
}
