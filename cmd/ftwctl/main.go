package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/mit-pdos/go-ftw/cmd/ftwctl/app"
)

func main() {
	if err := app.NewCommand("ftwctl").Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
