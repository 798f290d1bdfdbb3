package main

import "github.com/ramiqadoumi/go-task-protocol/services/worker/cli"

func main() {
	cli.Execute()
}
