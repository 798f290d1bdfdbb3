package main

import "github.com/ramiqadoumi/go-task-protocol/services/api-gateway/cli"

func main() {
	cli.Execute()
}
