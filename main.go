package main

import "github.com/rowanhq/foreman/cmd"

func main() {
	cmd.Execute()
}
