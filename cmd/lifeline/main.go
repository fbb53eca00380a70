package main

import "github.com/vietddude/lifeline/internal/cli"

func main() {
	cli.Execute()
}
