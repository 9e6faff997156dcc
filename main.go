package main

import "github.com/ReiletaI/callguard/cmd"

func main() {
	cmd.Execute()
}
