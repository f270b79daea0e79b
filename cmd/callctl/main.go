package main

import (
	"os"

	"github.com/Wyydra/callroom/internal/cli"
	"github.com/Wyydra/callroom/internal/logging"
)

func main() {
	logging.Init(os.Stderr, os.Getenv("LOG_LEVEL"))
	cli.Execute()
}
