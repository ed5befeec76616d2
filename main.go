package main

import "github.com/andresmejia3/faceauth/cmd"

func main() {
	cmd.Execute()
}
