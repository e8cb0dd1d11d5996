package main

import "metrochat/cmd"

func main() {
	cmd.Execute()
}
