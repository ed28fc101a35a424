package main

import "github.com/panteLx/Reolink-ONVIF-Watcher/cmd"

func main() {
	cmd.Execute()
}
