package main

import "github.com/askcoin/askcoin/app/wallet/cmd"

func main() {
	cmd.Execute()
}
