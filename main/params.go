// (c) 2019-2020, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"github.com/ava-labs/avalanchego/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ava-labs/substratevm/config"
)

const name = "substratevm"

var Version = &version.Semantic{
	Major: 0,
	Minor: 1,
	Patch: 0,
}

// getViper binds the configuration flags of [cmd] to a fresh viper
// environment.
func getViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := config.BindFlags(v, cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	return v, nil
}
