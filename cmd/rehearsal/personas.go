package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ent0n29/rehearsal/internal/persona"
)

func newPersonasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Inspect and validate persona catalogs",
	}
	cmd.AddCommand(newPersonasListCmd(), newPersonasValidateCmd())
	return cmd
}

func newPersonasListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [catalog.yaml]",
		Short: "List scenarios in a catalog (the embedded one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := persona.LoadCatalog(firstArg(args))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCENARIO\tPERSONA\tPROFESSION\tDIFFICULTY\tVOICE\tMAX DURATION")
			for _, id := range catalog.IDs() {
				p, err := catalog.Lookup(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ScenarioID, p.DisplayName, p.Profession, p.Difficulty, p.Voice, p.MaxDuration)
			}
			return w.Flush()
		},
	}
}

func newPersonasValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Check a catalog for missing fields and duplicate ids",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstArg(args)
			catalog, err := persona.LoadCatalog(path)
			if err != nil {
				return err
			}
			if path == "" {
				path = "embedded catalog"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d scenarios ok\n", path, len(catalog.IDs()))
			return nil
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
