package main

import (
	"zhengxin-client/internal/cli"
)

func main() {
	cli.Execute()
}
