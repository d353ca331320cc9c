package main

import (
	"os"

	"stagegate/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
