package main

import "fleetd.sh/cmd/rolloutd/cmd"

func main() {
	cmd.Execute()
}
