package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/deltaruntime/overlayrt/cmd/core"
	cmdprofile "github.com/deltaruntime/overlayrt/cmd/profile"
	"github.com/deltaruntime/overlayrt/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "overlayctl",
		Short:        "Profile-based overlay runtime builder",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("base-path", "", "read-only base installation path")
	cmd.PersistentFlags().String("data-root", "", "writable data root (cache/profiles/runtimes)")

	_ = viper.BindPFlag("base_path", cmd.PersistentFlags().Lookup("base-path"))
	_ = viper.BindPFlag("data_root", cmd.PersistentFlags().Lookup("data-root"))

	viper.SetEnvPrefix("OVERLAYCTL")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdprofile.Command(cmdprofile.Handler{BaseHandler: base}))

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if conf.BasePath == "" || conf.DataRoot == "" {
		return fmt.Errorf("base-path and data-root are required (flag, config file, or OVERLAYCTL_* env)")
	}

	if err := conf.EnsureDataDirs(); err != nil {
		return fmt.Errorf("ensure data dirs: %w", err)
	}

	return log.SetupLog(ctx, conf.Log, "")
}
