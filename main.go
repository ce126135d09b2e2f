package main

import (
	"github.com/planwright/planwright/cmd"
)

func main() {
	cmd.Execute()
}
