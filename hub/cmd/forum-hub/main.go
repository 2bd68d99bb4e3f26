package main

import (
	"fmt"
	"os"

	"github.com/forumhub/forum/hub"
	"github.com/forumhub/forum/hub/cli"
)

var version = "dev"

func main() {
	root := cli.NewRootCmd(version, hub.Options{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
