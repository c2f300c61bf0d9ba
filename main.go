package main

import "github.com/alexcelewicz/MaiaChat-V2-sub008/cmd"

func main() {
	cmd.Execute()
}
