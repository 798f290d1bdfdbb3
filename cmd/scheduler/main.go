package main

import "github.com/ramiqadoumi/go-task-protocol/services/scheduler/cli"

func main() {
	cli.Execute()
}
