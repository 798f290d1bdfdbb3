// Package cliutil holds the cobra/viper plumbing shared by every service
// binary: config discovery, logger construction, flag binding and the init
// and version commands.
package cliutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-protocol/internal/version"
)

// ConfigDir is the per-user directory searched for <service>.yaml.
const ConfigDir = ".go-task-protocol"

// InitConfig points viper at cfgFile, or at <service>.yaml in the working
// directory, ~/.go-task-protocol or /etc/go-task-protocol. A missing file is
// not an error; defaults and flags still apply.
func InitConfig(service, cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(service)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ConfigDir))
		}
		viper.AddConfigPath("/etc/go-task-protocol")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("read config file: %w", err)
		}
		return nil
	}
	fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BuildLogger returns a JSON logger on stdout tagged with the service name.
func BuildLogger(level, service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})).
		With(slog.String("service", service))
}

// BindFlag binds a viper key to a flag and panics if the flag is missing.
func BindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

// SplitList splits a comma-separated value and drops empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewInitCmd returns the "init" command writing defaultYAML to *cfgFile, or
// to ~/.go-task-protocol/<service>.yaml when no --config was given.
func NewInitCmd(service, defaultYAML string, cfgFile *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, service, ConfigDir, service),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := *cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ConfigDir, service+".yaml")
			}
			if err := WriteConfig(dest, defaultYAML, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

// WriteConfig writes content to dest, creating parent directories. It refuses
// to overwrite an existing file unless force is set.
func WriteConfig(dest, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// NewVersionCmd returns the "version" command.
func NewVersionCmd(service string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Banner(service))
		},
	}
}
