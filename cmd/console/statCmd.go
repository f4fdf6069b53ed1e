package console

import (
	"fmt"
	"os"

	"github.com/foldersync/foldersyncd/internal/controlplane"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// Query connected-peer state for one folder
func Command_Stat() *cobra.Command {
	cc := &cobra.Command{
		Use:                   "stat <folder_id>",
		Short:                 "Show connected peers for a folder",
		Args:                  cobra.ExactArgs(1),
		Run:                   statCmdFunc,
		DisableFlagsInUseLine: true,
	}
	return cc
}

func statCmdFunc(cmd *cobra.Command, args []string) {
	cfg, err := buildConfig()
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	var peers []controlplane.PeerStatus
	if err := httpGetJSON("http://"+cfg.APIEndpoint+"/peers/"+args[0], &peers); err != nil {
		logERR(err.Error())
		os.Exit(1)
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"node digest", "choking"})
	for _, p := range peers {
		tw.AppendRow(table.Row{p.NodeDigest, p.Choking})
	}
	fmt.Println(tw.Render())
}
