package main

import "github.com/Tecet/ollm-cli/cmd/ollm/cmd"

func main() {
	cmd.Execute()
}
