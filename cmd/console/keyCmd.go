package console

import (
	"os"

	"github.com/foldersync/foldersyncd/internal/nodekey"
	"github.com/spf13/cobra"
)

func Command_Key() *cobra.Command {
	cc := &cobra.Command{
		Use:                   "key",
		Short:                 "Inspect the daemon's node identity",
		DisableFlagsInUseLine: true,
	}
	cc.AddCommand(&cobra.Command{
		Use:                   "show",
		Short:                 "Print the node id, generating one if none exists yet",
		Run:                   keyShowCmdFunc,
		DisableFlagsInUseLine: true,
	})
	return cc
}

func keyShowCmdFunc(cmd *cobra.Command, args []string) {
	cfg, err := buildConfig()
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	key, err := nodekey.LoadOrGenerate(cfg.Workspace)
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	logOK(key.ID().String())
}
