package main

import (
	solostack "github.com/solostack/solostack/cmd/solostack"
)

var version = "dev"

func main() {
	solostack.SetVersion(version)
	solostack.Execute()
}
