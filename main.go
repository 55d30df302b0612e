package main

import "github.com/andresmejia3/visiontrainer/cmd"

func main() {
	cmd.Execute()
}
