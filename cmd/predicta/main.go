// Command predicta runs the prediction market settlement core: the LMSR
// pricing API, the clearnode session and the payment channel lifecycle.
package main

import (
	"os"

	"github.com/alanyoungcy/predicta/cmd/predicta/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
