// Command mortis runs the launcher plugin host.
package main

import (
	"os"

	"github.com/rjsadow/mortis/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
