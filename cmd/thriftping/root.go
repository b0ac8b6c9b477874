package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Version is the thriftping release version.
	Version = "0.1.0"

	// envPrefix is the prefix of environment variables read by thriftping, e.g. THRIFTPING_PORT.
	envPrefix = "thriftping"

	// wrap is the number of characters to wrap the help text at.
	wrap = 50
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "thriftping",
		Short: "probe RPC servers",
		Long: fmt.Sprintf(`thriftping (v%s)

Sends empty-argument RPC calls over TCP, TLS, Unix domain sockets or
the stdio of a child process and reports their round-trip times.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of thriftping",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "thriftping v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(newPingCmd(viper.GetViper()))
	RootCmd.AddCommand(versionCmd)

	RootCmd.PersistentFlags().String("config", "", wrapString("config file to read settings from (yaml, json or toml)"))
}

// initConfig loads .env files and enables environment variable lookup.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	setupViper(viper.GetViper())
}

func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// bindCommandFlags binds the flags of cmd to v and reads the config file if one is given.
func bindCommandFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	file := v.GetString("config")
	if file == "" {
		return nil
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", file, err)
	}

	return nil
}

// wrapString wraps text at wrap characters.
func wrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}

		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}

	if line.Len() > 0 {
		lines = append(lines, line.String())
	}

	return strings.Join(lines, "\n")
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
