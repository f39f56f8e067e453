package main

import (
	"strings"

	"github.com/rstms/framfs"
	"github.com/rstms/framfs/image"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/physic"
)

// appFs holds images and config files; tests swap in a memory filesystem.
var appFs afero.Fs = afero.NewOsFs()

func newCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	cmd := &cobra.Command{
		Use:               "framfs",
		Short:             "Format and inspect FRAM images",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfig(v, cfgFile); err != nil {
				return err
			}
			if v.GetBool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	bindFlags(v, cmd.PersistentFlags())

	cmd.AddCommand(createCmd(v))
	cmd.AddCommand(formatCmd(v))
	cmd.AddCommand(infoCmd(v))
	cmd.AddCommand(lsCmd(v))
	cmd.AddCommand(readRawCmd(v))
	cmd.AddCommand(writeRawCmd(v))
	cmd.AddCommand(unformatCmd(v))
	return cmd
}

// bindFlags defines the settings shared by every subcommand. Each can also
// come from the config file or a FRAMFS_ environment variable.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.StringP("image", "i", "fram.img", "FRAM image file")
	flags.IntP("capacity", "c", 32, "chip capacity in KB")
	flags.String("frequency", framfs.DefaultFrequency.String(), "SPI clock")
	flags.String("mount-point", framfs.DefaultMountPoint, "mount point")
	flags.Int("max-files", framfs.DefaultMaxFiles, "open file limit")
	flags.BoolP("debug", "d", false, "debug logging")

	v.SetEnvPrefix("FRAMFS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		log.Fatal(err)
	}
}

func readConfig(v *viper.Viper, filename string) error {
	if filename == "" {
		return nil
	}
	exists, err := afero.Exists(appFs, filename)
	if err != nil {
		return Fatal(err)
	}
	if !exists {
		return Fatalf("config file not found: %s", filename)
	}
	v.SetFs(appFs)
	v.SetConfigFile(filename)
	err = v.ReadInConfig()
	if err != nil {
		return Fatal(err)
	}
	log.WithField("file", v.ConfigFileUsed()).Debug("config loaded")
	return nil
}

func frequency(v *viper.Viper) (physic.Frequency, error) {
	var f physic.Frequency
	err := f.Set(v.GetString("frequency"))
	if err != nil {
		return 0, Fatal(err)
	}
	return f, nil
}

func volumeConfig(v *viper.Viper) (framfs.Config, error) {
	f, err := frequency(v)
	if err != nil {
		return framfs.Config{}, Fatal(err)
	}
	return framfs.Config{
		Frequency:  f,
		MountPoint: v.GetString("mount-point"),
		MaxFiles:   v.GetInt("max-files"),
	}, nil
}

func openImage(v *viper.Viper) (*image.Image, error) {
	f, err := frequency(v)
	if err != nil {
		return nil, Fatal(err)
	}
	img, err := image.OpenImage(appFs, v.GetString("image"))
	if err != nil {
		return nil, Fatal(err)
	}
	img.Frequency = f
	return img, nil
}
