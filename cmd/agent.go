package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ReiletaI/callguard/internal/session"
)

var (
	flagAgentName   string
	flagUnavailable bool
	flagAgentPlain  bool
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"a"},
	Short:   "Take calls as an agent",
	Long: `Publish a room and wait for a caller. After each call a fresh room is
created for as long as the agent stays available. Both voices are recorded,
transcribed in segments, and the call is logged when it ends.

Examples:
  callguard agent --name alice
  callguard agent --unavailable
  callguard agent --driver relay --relay-url ws://localhost:8080/ws --audio silence`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := NewRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		coord := rt.NewCoordinator(session.Agent, flagAgentName)
		name := flagAgentName
		if name == "" {
			name = rt.Config.Session.AgentUsername
		}

		start := func() error {
			if flagUnavailable {
				return nil
			}
			return coord.SetAvailable(true)
		}
		return RunCoordinator(cmd.Context(), coord, session.Agent, name, flagAgentPlain, start)
	},
}

func init() {
	agentCmd.Flags().StringVarP(&flagAgentName, "name", "n", "", "agent display name stored on each room")
	agentCmd.Flags().BoolVar(&flagUnavailable, "unavailable", false, "start without publishing a room")
	agentCmd.Flags().BoolVar(&flagAgentPlain, "plain", false, "print events as lines instead of the interactive console")
	rootCmd.AddCommand(agentCmd)
}
