package main

import (
	"os"

	"github.com/wangshunnn/mind-flayer/cmd/mind-flayer/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
