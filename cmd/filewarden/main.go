package main

import "github.com/filewarden/filewarden/cmd/filewarden/cmd"

func main() {
	cmd.Execute()
}
