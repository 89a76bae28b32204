package main

import "histeeria-chatsync/internal/cli"

func main() {
	cli.Execute()
}
