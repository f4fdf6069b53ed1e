package console

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/foldersync/foldersyncd/internal/config"
	"github.com/foldersync/foldersyncd/internal/daemon"
	"github.com/spf13/cobra"
)

// runCmd is used to start the service
//
// Usage:
//
//	foldersyncd run
func Command_Run() *cobra.Command {
	cc := &cobra.Command{
		Use:                   "run",
		Short:                 "Start the sync daemon",
		Run:                   runCmdFunc,
		DisableFlagsInUseLine: true,
	}
	return cc
}

func runCmdFunc(cmd *cobra.Command, args []string) {
	cfg, err := buildConfig()
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logOK("daemon started, listening on " + cfg.APIEndpoint)
	if err := d.Run(ctx); err != nil {
		logERR(err.Error())
		os.Exit(2)
	}
	logOK("daemon stopped")
}

func buildConfig() (*config.Config, error) {
	cfg := config.New()
	if err := cfg.Parse(resolveConfigPath()); err != nil {
		return nil, err
	}
	return cfg, nil
}
