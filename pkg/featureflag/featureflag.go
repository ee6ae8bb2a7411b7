package featureflag

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/seshdev/sesh-cli/pkg/cmd/version"
)

func IsDev() bool {
	if viper.IsSet("feature.dev") {
		return viper.GetBool("feature.dev")
	} else {
		return strings.HasPrefix(version.Version, "dev")
	}
}

// TwoFactorAutoAnswer controls whether the first connection to a 2FA host
// auto-selects the push-notification factor so the user only has to act on
// their phone.
func TwoFactorAutoAnswer() bool {
	if viper.IsSet("feature.two_factor_auto_answer") {
		return viper.GetBool("feature.two_factor_auto_answer")
	}
	return true
}

func LoadFeatureFlags(path string) error {
	viper.SetConfigName("config")
	viper.AddConfigPath("/etc/sesh/")
	viper.AddConfigPath(path)
	viper.SetEnvPrefix("sesh")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.ReadInConfig() // do not need to fail if can't find config file

	return nil
}
