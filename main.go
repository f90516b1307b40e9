package main

import "runengine/cmd/cli"

func main() {
	cli.Execute()
}
