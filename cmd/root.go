package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ReiletaI/callguard/internal/config"
	"github.com/ReiletaI/callguard/internal/ui"
	"github.com/ReiletaI/callguard/internal/version"
)

var opts config.Options

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "callguard",
	Short: "Peer-to-peer voice calls with live transcription for vishing detection",
	Long: `CallGuard connects a call-center agent and a caller over a WebRTC audio call.
Rooms are negotiated through Firestore (or a self-hosted relay), and the agent side
records and transcribes both voices so suspicious calls can be analysed.`,
	Version: version.Version,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.ConfigFile, "config", "", "config file (yaml or toml)")
	f.StringVar(&opts.Driver, "driver", "", "signaling driver: firestore or relay")
	f.StringVar(&opts.RelayURL, "relay-url", "", "relay server websocket URL")
	f.StringVar(&opts.ProjectID, "project-id", "", "Firebase project id")
	f.StringVar(&opts.Credentials, "credentials", "", "Firebase service account JSON")
	f.StringVar(&opts.BackendURL, "backend-url", "", "transcription and call log API base URL")
	f.StringSliceVar(&opts.STUNServers, "stun", nil, "STUN server URLs")
	f.StringVar(&opts.AudioSource, "audio", "", "audio source: mic, silence or file")
	f.StringVar(&opts.AudioFile, "audio-file", "", "Ogg/Opus file for the file audio source")
	f.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	f.StringVar(&opts.LogFile, "log-file", "", "write logs to this file instead of stderr")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
