// dispatchd is the control brain of the DAQ fleet.
package main

import (
	"os"

	"github.com/dispatchd/dispatchd/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
