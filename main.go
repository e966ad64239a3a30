package main

import "github.com/torrust/tracker-certs/cmd"

func main() {
	cmd.Execute()
}
