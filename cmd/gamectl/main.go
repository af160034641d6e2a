package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Edgardem/PBL-2-redes/client"
)

func main() {
	var serverURL string

	root := &cobra.Command{
		Use:   "gamectl",
		Short: "Command-line client for the game server API",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "base URL of the game server")

	root.AddCommand(
		joinCmd(&serverURL),
		openCmd(&serverURL),
		tradeCmd(&serverURL),
		inventoryCmd(&serverURL),
		statusCmd(&serverURL),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func joinCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join <name>",
		Short: "Register a player and print the minted id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			p, err := client.New(*serverURL).Join(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(p)
			return nil
		},
	}
}

func openCmd(serverURL *string) *cobra.Command {
	var template string
	cmd := &cobra.Command{
		Use:   "open <player-id>",
		Short: "Open a pack for the player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			out, err := client.New(*serverURL).OpenPack(ctx, args[0], template)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "pack template id")
	return cmd
}

func tradeCmd(serverURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trade <player-a> <cards-a> <player-b> <cards-b>",
		Short: "Swap cards between two players (card lists are comma-separated)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			out, err := client.New(*serverURL).Trade(ctx,
				args[0], strings.Split(args[1], ","),
				args[2], strings.Split(args[3], ","))
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	return cmd
}

func inventoryCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory <player-id>",
		Short: "Show a player's cards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			inv, err := client.New(*serverURL).GetInventory(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(inv)
			return nil
		},
	}
}

func statusCmd(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tx-id>",
		Short: "Query the recorded state of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			out, err := client.New(*serverURL).TxnStatus(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
