package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mykhaliev/device-validator/auth"
	"github.com/mykhaliev/device-validator/config"
	"github.com/mykhaliev/device-validator/engine"
	"github.com/spf13/cobra"
)

func NewCheckAuthCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-auth [invocation name]",
		Short: "Check that the Bespoken user may test a skill",
		Long: `Ask the source API whether BESPOKEN_USER_ID is allowed to test the skill
with the given invocation name. INVOCATION_NAME is used when no name is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.Load(rootOpts.envFiles()...)
			if err != nil {
				return err
			}

			name := env.InvocationName
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return fmt.Errorf("an invocation name is required (argument or %s)", config.KeyInvocationName)
			}

			client := auth.NewClient(env.SourceAPIBaseURL, &http.Client{Timeout: 30 * time.Second})
			reply, err := engine.NewGate(client, env.UserID).CheckAuth(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %q: %s\n", name, reply)
			return nil
		},
	}
	return cmd
}
