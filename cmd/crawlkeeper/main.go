package main

import "github.com/soheilrt/play-scraper/services/worker/cli"

func main() {
	cli.Execute()
}
