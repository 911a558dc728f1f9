package main

import "github.com/ValentinKolb/rfcunit/cmd"

func main() {
	cmd.Execute()
}
