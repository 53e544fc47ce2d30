package main

import "github.com/andresmejia3/livematch/cmd"

func main() {
	cmd.Execute()
}
