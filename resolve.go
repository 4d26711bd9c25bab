package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/sync"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [conflict-id]",
		Short: "Resolve a sync conflict",
		Long: `Record a decision for a pending conflict.

Strategies:
  --use-local            keep this device's values for every conflicting field
  --use-server           accept the server's values
  --field name=side ...  choose local or server per field (covers every field)

The decision is queued as a new change based on the server's version and
pushed on the next sync. The conflict is marked resolved once the server
accepts it. Use --all with --use-local or --use-server to settle every
pending conflict the same way.

Examples:
  wardsync resolve 3fa2c1d0 --use-server
  wardsync resolve 3fa2c1d0 --field phone=local --field address=server
  wardsync resolve --all --use-local --notes "ward round 14:00"`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResolve,
	}

	cmd.Flags().Bool("use-local", false, "keep local values")
	cmd.Flags().Bool("use-server", false, "accept server values")
	cmd.Flags().StringArray("field", nil, "per-field choice as name=local or name=server")
	cmd.Flags().Bool("all", false, "resolve every pending conflict")
	cmd.Flags().String("notes", "", "note stored with the decision")

	cmd.MarkFlagsMutuallyExclusive("use-local", "use-server", "field")
	cmd.MarkFlagsMutuallyExclusive("all", "field")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	all, _ := cmd.Flags().GetBool("all")
	notes, _ := cmd.Flags().GetString("notes")

	if all == (len(args) == 1) {
		return fmt.Errorf("specify a conflict id or --all")
	}

	res, err := resolutionFromFlags(cmd)
	if err != nil {
		return err
	}

	res.Notes = notes

	engine, err := newSyncEngine(ctx, cc, engineOptions{})
	if err != nil {
		return err
	}
	defer engine.Close()

	if all {
		n, err := engine.ResolveAll(ctx, res.Kind, notes)
		cc.Statusf("%d conflict(s) resolved with %s\n", n, res.Kind)

		return err
	}

	c, err := engine.FindConflict(ctx, args[0])
	if err != nil {
		return err
	}

	resolved, err := engine.ResolveConflict(ctx, c.ID, res)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out(), toConflictJSON(resolved))
	}

	if resolved.Status == sync.ConflictResolved {
		cc.Statusf("Conflict %s resolved, server copy already matches\n", shortID(resolved.ID))
	} else {
		cc.Statusf("Conflict %s decided (%s); change %s queued for the next sync\n",
			shortID(resolved.ID), resolved.Resolution, shortID(resolved.ResolutionItemID))
	}

	return nil
}

// resolutionFromFlags returns the decision described by the strategy flags.
func resolutionFromFlags(cmd *cobra.Command) (sync.Resolution, error) {
	useLocal, _ := cmd.Flags().GetBool("use-local")
	useServer, _ := cmd.Flags().GetBool("use-server")
	fields, _ := cmd.Flags().GetStringArray("field")

	switch {
	case useLocal:
		return sync.Resolution{Kind: sync.ResolutionUseLocal}, nil
	case useServer:
		return sync.Resolution{Kind: sync.ResolutionUseServer}, nil
	case len(fields) > 0:
		choices, err := parseFieldChoices(fields)
		if err != nil {
			return sync.Resolution{}, err
		}

		return sync.Resolution{Kind: sync.ResolutionMerge, FieldChoices: choices}, nil
	default:
		return sync.Resolution{}, fmt.Errorf("choose --use-local, --use-server or --field")
	}
}

// parseFieldChoices parses repeated name=local|server flags.
func parseFieldChoices(args []string) (map[string]sync.FieldChoice, error) {
	choices := make(map[string]sync.FieldChoice, len(args))

	for _, arg := range args {
		name, side, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --field %q: want name=local or name=server", arg)
		}

		choice := sync.FieldChoice(strings.ToLower(side))
		if choice != sync.ChooseLocal && choice != sync.ChooseServer {
			return nil, fmt.Errorf("invalid --field %q: side must be local or server", arg)
		}

		if _, dup := choices[name]; dup {
			return nil, fmt.Errorf("field %q chosen twice", name)
		}

		choices[name] = choice
	}

	return choices, nil
}
