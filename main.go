package main

import "github.com/deploymenttheory/apfsck/cmd"

func main() {
	cmd.Execute()
}
