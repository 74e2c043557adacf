package main

import "github.com/Allen15763/spe-bank-recon/cmd"

func main() {
	cmd.Execute()
}
