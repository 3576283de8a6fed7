// The main package for the tendercrawl executable.
package main

import (
	"github.com/procurewatch/tendercrawl/cmd"
)

func main() {
	cmd.Execute()
}
