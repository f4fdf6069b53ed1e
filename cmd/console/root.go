package console

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Name        = "foldersyncd"
	Description = "Peer-to-peer folder synchronization daemon"
	Version     = "v0.1.0"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   Name,
	Short: Description,
}

// configFlag is the path to the daemon's YAML profile, set via -c/--config
// on every subcommand that needs one.
var configFlag string

// init
func init() {
	rootCmd.AddCommand(
		Command_Version(),
		Command_Default(),
		Command_Run(),
		Command_Key(),
		Command_Folder(),
		Command_Stat(),
	)
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to the configuration file")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
}

func Command_Version() *cobra.Command {
	cc := &cobra.Command{
		Use:                   "version",
		Short:                 "Print version information",
		Run:                   func(cmd *cobra.Command, args []string) { fmt.Println(Name + " " + Version) },
		DisableFlagsInUseLine: true,
	}
	return cc
}

// resolveConfigPath applies the teacher's "flag, else default profile in
// the current directory" precedence.
func resolveConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	return defaultProfileInCwd()
}
