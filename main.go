package main

import "github.com/mykhaliev/device-validator/cmd"

func main() {
	cmd.Execute()
}
