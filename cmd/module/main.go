package main

import (
	cobotUS "cobot_us"

	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: cobotUS.SweepModel},
		resource.APIModel{API: discovery.API, Model: cobotUS.DiscoveryModel},
	)
}
