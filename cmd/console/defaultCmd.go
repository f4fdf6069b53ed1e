package console

import (
	"os"
	"path/filepath"

	"github.com/foldersync/foldersyncd/internal/config"
	"github.com/spf13/cobra"
)

func Command_Default() *cobra.Command {
	cc := &cobra.Command{
		Use:                   "default",
		Short:                 "Generate a configuration file template",
		Run:                   defaultCmdFunc,
		DisableFlagsInUseLine: true,
	}
	return cc
}

func defaultCmdFunc(cmd *cobra.Command, args []string) {
	f, err := os.Create(config.DefaultProfile)
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	defer f.Close()
	if _, err := f.WriteString(config.Template); err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	pwd, err := os.Getwd()
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	logOK(filepath.Join(pwd, config.DefaultProfile))
}

func defaultProfileInCwd() string {
	return config.DefaultProfile
}
