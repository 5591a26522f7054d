// Command packset downloads, verifies, and installs content packs.
package main

import (
	"log"
	"os"

	"github.com/packset/packset/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
