package main

import "hlsgrab/cmd"

func main() {
	cmd.Execute()
}
