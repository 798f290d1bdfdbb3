package main

import "github.com/ramiqadoumi/go-task-protocol/services/dispatcher/cli"

func main() {
	cli.Execute()
}
