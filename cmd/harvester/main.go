package main

import "github.com/ezpaarse-project/ezmesure-harvester/internal/cmd"

func main() {
	cmd.Execute()
}
