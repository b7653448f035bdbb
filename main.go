package main

import "github.com/Norgate-AV/compilerd/cmd"

func main() {
	cmd.Execute()
}
