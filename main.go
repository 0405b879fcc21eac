package main

import "github.com/vanducng/mediarelay/cmd"

func main() {
	cmd.Execute()
}
