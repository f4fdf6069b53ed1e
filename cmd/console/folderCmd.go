package console

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/foldersync/foldersyncd/internal/config"
	"github.com/foldersync/foldersyncd/internal/controlplane"
	"github.com/foldersync/foldersyncd/internal/secret"
	"github.com/gorilla/websocket"
	"github.com/howeyc/gopass"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	folderSecretFlag    string
	folderWriterKeyFlag string
)

func Command_Folder() *cobra.Command {
	cc := &cobra.Command{
		Use:                   "folder",
		Short:                 "Manage synchronized folders on a running daemon",
		DisableFlagsInUseLine: true,
	}
	addCmd := &cobra.Command{
		Use:                   "add <path>",
		Short:                 "Add a folder, generating a fresh owner secret unless --secret is given",
		Args:                  cobra.ExactArgs(1),
		Run:                   folderAddCmdFunc,
		DisableFlagsInUseLine: true,
	}
	addCmd.Flags().StringVar(&folderSecretFlag, "secret", "", "Join an existing folder using its textual secret")
	addCmd.Flags().StringVar(&folderWriterKeyFlag, "writerkey", "", "Hex-encoded writer public key, required when --secret is read-only or download level")
	removeCmd := &cobra.Command{
		Use:                   "remove <folder_id>",
		Short:                 "Remove a folder by its hex folder id",
		Args:                  cobra.ExactArgs(1),
		Run:                   folderRemoveCmdFunc,
		DisableFlagsInUseLine: true,
	}
	listCmd := &cobra.Command{
		Use:                   "list",
		Short:                 "List folders known to the running daemon",
		Run:                   folderListCmdFunc,
		DisableFlagsInUseLine: true,
	}
	cc.AddCommand(addCmd, removeCmd, listCmd)
	return cc
}

func folderAddCmdFunc(cmd *cobra.Command, args []string) {
	path := args[0]
	secretText := folderSecretFlag
	if secretText == "" {
		logOK("no --secret given; generating a fresh owner secret for this folder")
		s, err := secret.New()
		if err != nil {
			logERR(err.Error())
			os.Exit(1)
		}
		secretText = s.String()
		logOK("share this secret with anyone who should be able to join: " + secretText)
	} else if secretText == "-" {
		fmt.Print("Folder secret: ")
		pwd, err := gopass.GetPasswdMasked()
		if err != nil {
			logERR(err.Error())
			os.Exit(1)
		}
		secretText = strings.TrimSpace(string(pwd))
	}

	folderID, err := folderIDFromSecret(secretText)
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}

	value, _ := json.Marshal(config.FolderEntry{ID: folderID, Path: path, Secret: secretText, WriterKey: folderWriterKeyFlag})
	if err := sendFolderCommand(controlplane.Command{Type: "add_folder", FolderID: folderID, Value: value}); err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	logOK("folder " + folderID + " added")
}

func folderRemoveCmdFunc(cmd *cobra.Command, args []string) {
	if err := sendFolderCommand(controlplane.Command{Type: "remove_folder", FolderID: args[0]}); err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	logOK("folder " + args[0] + " removed")
}

func folderListCmdFunc(cmd *cobra.Command, args []string) {
	cfg, err := buildConfig()
	if err != nil {
		logERR(err.Error())
		os.Exit(1)
	}
	var folders []controlplane.FolderStatus
	if err := httpGetJSON("http://"+cfg.APIEndpoint+"/folders", &folders); err != nil {
		logERR(err.Error())
		os.Exit(1)
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"folder id", "path", "state", "peers"})
	for _, f := range folders {
		tw.AppendRow(table.Row{f.FolderID, f.Path, f.State, f.Peers})
	}
	fmt.Println(tw.Render())
}

func folderIDFromSecret(text string) (string, error) {
	s, err := secret.Parse(text)
	if err != nil {
		return "", err
	}
	id, err := s.FolderID()
	if err != nil {
		return "", err
	}
	return hexEncode(id[:]), nil
}

func sendFolderCommand(cmd controlplane.Command) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+cfg.APIEndpoint+"/ws", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(cmd); err != nil {
		return err
	}
	var reply controlplane.Notification
	if err := conn.ReadJSON(&reply); err != nil {
		return err
	}
	if reply.Type == "error" {
		return fmt.Errorf("daemon rejected command: %v", reply.Value)
	}
	return nil
}
