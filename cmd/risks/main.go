package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/risks/cmd/risks/cmds"
)

func main() {
	root, err := cmds.NewRootCommand()
	cobra.CheckErr(err)
	cobra.CheckErr(root.Execute())
}
