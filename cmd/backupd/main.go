package main

import "github.com/dreamsxin/backupd/cmd/backupd/cmd"

func main() {
	cmd.Execute()
}
