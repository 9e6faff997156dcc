package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ReiletaI/callguard/internal/session"
)

var (
	flagAny         bool
	flagClientPlain bool
)

var clientCmd = &cobra.Command{
	Use:     "client [ROOM]",
	Aliases: []string{"c", "join"},
	Short:   "Call an agent",
	Long: `Join an agent's room by id, or with --any join the oldest waiting room,
waiting for an agent to become available if none is.

Examples:
  callguard client K3F9QZ
  callguard client --any`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagAny == (len(args) == 1) {
			return errors.New("give either a room id or --any")
		}

		rt, err := NewRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		coord := rt.NewCoordinator(session.Client, "")
		start := coord.JoinAny
		if !flagAny {
			roomID := args[0]
			start = func() error { return coord.Join(roomID) }
		}
		return RunCoordinator(cmd.Context(), coord, session.Client, "client", flagClientPlain, start)
	},
}

func init() {
	clientCmd.Flags().BoolVar(&flagAny, "any", false, "join the oldest waiting room")
	clientCmd.Flags().BoolVar(&flagClientPlain, "plain", false, "print events as lines instead of the interactive console")
	rootCmd.AddCommand(clientCmd)
}
