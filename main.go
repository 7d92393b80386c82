package main

import "github.com/mickelfeng/ep-engine/cmd"

func main() {
	cmd.Execute()
}
