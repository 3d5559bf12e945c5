package main

import "github.com/relloyd/ogdsync/cmd"

func main() {
	cmd.Execute()
}
