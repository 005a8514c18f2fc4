package main

import (
	"fmt"
	"os"

	aura "github.com/hxrts/aura-sub023/internal/aura-cli"
)

func main() {
	app := aura.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
