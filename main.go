package main

import "github.com/zjsxply/coding-agent-kit-sub000/cmd"

func main() {
	cmd.Execute()
}
