// Command pilotnet builds, trains and inspects the drone control models.
package main

import (
	"log"
	"os"

	"github.com/urfave/cli"
)

func main() {
	log.SetPrefix("[pilotnet] ")

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "pilotnet"
	app.Usage = "train multi-head drone control networks"
	app.Version = "0.1.0"
	app.Commands = commands
	return app
}
