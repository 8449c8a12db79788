package main

import "github.com/matrix-warden/warden/cmd/warden/cmd"

func main() {
	cmd.Execute()
}
