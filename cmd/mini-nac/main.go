package main

import "github.com/tendant/mini-nac/cmd/mini-nac/cmd"

func main() {
	cmd.Execute()
}
