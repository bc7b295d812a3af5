package main

import "github.com/andresmejia3/castfinder/cmd"

func main() {
	cmd.Execute()
}
