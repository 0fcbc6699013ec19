package main

import "github.com/kozaktomas/photo-sorter/cmd"

func main() {
	cmd.Execute()
}
