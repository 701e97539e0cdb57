package main

import (
    "log"

    "github.com/spf13/cobra"

    lanchatcli "github.com/amirimatin/go-lanchat/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "lanchatd",
        Short:         "go-lanchat LAN chat node and CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all chat commands from pkg/cli for reuse in services
    lanchatcli.AddAll(root)
    return root
}
