package cmd

import (
	"time"

	"github.com/Azunyan1111/go-camera-recorder/internal"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	v       = internal.NewViper()
)

var rootCmd = &cobra.Command{
	Use:           "recorder",
	Short:         "Record camera and microphone input into a WebM file",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := internal.ReadConfigFile(v, cfgFile); err != nil {
			return err
		}
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			v.Set("log.level", "debug")
		}
		if err := internal.SetLogLevel(v.GetString("log.level")); err != nil {
			return errors.Wrap(err, "invalid log level")
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./recorder.yaml, then $XDG_CONFIG_HOME/"+internal.AppName+"/recorder.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	f := recordCmd.Flags()
	f.StringP("input", "i", "-", "Input Matroska stream with rawvideo RGBA + PCM S16LE ('-' for stdin)")
	f.StringP("output", "o", "output.webm", "Output WebM file")
	f.BoolP("compress", "c", false, "Scale down to the 720/480/360/240 ladder at 20fps")
	f.Bool("no-audio", false, "Record video only")
	f.Duration("max-duration", 10*time.Minute, "Stop automatically after this long (capped at 10m)")
	bindFlags(v, f, map[string]string{
		"input":        "input",
		"output":       "output",
		"compress":     "compress",
		"max-duration": "record.max_duration",
	})

	rootCmd.AddCommand(recordCmd)
}

// bindFlags はフラグを viper のキーに結びつける（フラグ > env > 設定ファイル > デフォルト）
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
