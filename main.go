package main

import "github.com/nextlevelbuilder/telclaude-kernel/cmd"

func main() {
	cmd.Execute()
}
