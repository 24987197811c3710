package main

import "github.com/gwlsn/foldermerge/cmd/foldermerge/cmd"

func main() {
	cmd.Execute()
}
