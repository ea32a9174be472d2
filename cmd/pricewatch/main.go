package main

import "travel-price-alerts/internal/cli"

func main() {
	cli.Execute()
}
