// Package flags holds helpers to glue cobra flags to viper.
package flags

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindCommandToViper binds the command's local flags to viper so config
// file and environment values flow into unset flags.
func BindCommandToViper(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
		_ = viper.BindEnv(flag.Name)

		if !flag.Changed && viper.IsSet(flag.Name) {
			_ = cmd.Flags().Set(flag.Name, fmt.Sprintf("%v", viper.Get(flag.Name)))
		}
	})
}
