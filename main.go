// The main package for the pathway-indexer executable.
package main

import (
	"github.com/JakeFAU/pathway-indexer/cmd"
)

func main() {
	cmd.Execute()
}
