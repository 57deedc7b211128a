package main

import "github.com/JakeFAU/taskstream/cmd"

func main() {
	cmd.Execute()
}
