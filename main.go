package main

import "github.com/arjunv/unifiedlog/cmd"

func main() {
	cmd.Execute()
}
