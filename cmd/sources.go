package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources and their categories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			profiles := e.cfg.Profiles()
			sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tKIND\tBASE URL\tCATEGORIES")
			for _, p := range profiles {
				cats := make([]string, 0, len(p.Categories))
				for c := range p.Categories {
					cats = append(cats, c)
				}
				sort.Strings(cats)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.BaseURL, strings.Join(cats, ","))
			}
			return w.Flush()
		},
	}
}
