// The main package for the acquisitiond executable.
package main

import (
	"github.com/JakeFAU/acquisition-engine/cmd"
)

func main() {
	cmd.Execute()
}
