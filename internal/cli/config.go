// Package cli provides utility functions for command line interface applications.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InitViperConfig reads the configuration file of the command, then binds the environment
// variables prefixed by its name.
//
// An environment variable is bound to the known key it spells, so AGAR_NODE_BROKER_URL sets
// broker-url while AGAR_NODE_VIEW_HOST sets view.host. Unknown variables map underscores to
// nested keys.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if v := configFlag(cmd); v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(cmdName)
		vip.AddConfigPath(".")

		if runtime.GOOS == "windows" {
			vip.AddConfigPath("C:\\ProgramData\\" + cmdName)
		} else {
			vip.AddConfigPath("/etc/" + cmdName)
			vip.AddConfigPath("/usr/local/etc/" + cmdName)
		}

		if binPath, err := os.Executable(); err != nil {
			slog.Warn("Failed to get current executable path, not adding it as a config dir", "error", err)
		} else {
			vip.AddConfigPath(filepath.Dir(binPath))
		}
	}
	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
		slog.Info("No configuration file, using defaults, environment and flags only", "error", e)
	} else {
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	// Viper cannot guess the key of a variable whose key has hyphens, nor unmarshal an unbound one.
	// More context on https://github.com/spf13/viper/pull/1429.
	prefix := envName(cmdName) + "_"
	known := make(map[string]string)
	for _, k := range vip.AllKeys() {
		name := prefix + envName(k)
		// Nested keys win over the flag names they are bound to.
		if prev, ok := known[name]; ok && strings.Contains(prev, ".") {
			continue
		}
		known[name] = k
	}

	for _, e := range os.Environ() {
		name, _, _ := strings.Cut(e, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		k, ok := known[name]
		if !ok {
			k = strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", "."))
		}
		if err := vip.BindEnv(k, name); err != nil {
			return fmt.Errorf("could not bind environment variable %s: %w", name, err)
		}
		slog.Debug("Bound environment variable", "variable", name, "key", k)
	}

	return nil
}

// envName is the environment variable spelling of a command name or configuration key.
func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// configFlag returns the configuration file set on the command, whether or not it was executed.
func configFlag(cmd *cobra.Command) string {
	f := cmd.Flags().Lookup("config")
	if f == nil {
		f = cmd.PersistentFlags().Lookup("config")
	}
	if f == nil {
		return ""
	}
	return f.Value.String()
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}

// DecodeHook returns the decoder option used when unmarshalling viper settings into a struct.
//
// Durations may be given as strings ("20ms") and lists as comma separated strings.
func DecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}
