package main

import "github.com/foldersync/foldersyncd/cmd/console"

// program entry
func main() {
	console.Execute()
}
