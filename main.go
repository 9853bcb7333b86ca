package main

import "github.com/ChA0S-f4me/CodersSquad-Kyrtizanka/cmd"

func main() {
	cmd.Execute()
}
