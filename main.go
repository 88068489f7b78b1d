package main

import (
	"github.com/imagegate/webhook/cmd"
)

func main() {
	cmd.Execute()
}
