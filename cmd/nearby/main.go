package main

import "github.com/rudransh-shrivastava/nearby/internal/cli"

func main() {
	cli.Execute()
}
