// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"modelfetch/pkg/modelfetch"
)

func newSearchCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var (
		source  string
		limit   int
		filters []string
	)
	ff := &fetchFlags{}

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search for models across the configured registries",
		Long: `Searches every configured source (HuggingFace, Ollama, LM Studio) and
merges the results. A source that fails or is unreachable is skipped; pass
--source to query a single registry and see its errors directly.

Example:
  modelfetch search tinyllama
  modelfetch search mistral --source huggingface --limit 5
  modelfetch search llama --filter author=TheBloke`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, ro, ff)
			if err != nil {
				return err
			}
			orch, err := modelfetch.New(cfg)
			if err != nil {
				return err
			}
			defer orch.Cleanup()

			filterMap := map[string]string{}
			for _, f := range filters {
				if k, v, ok := strings.Cut(f, "="); ok {
					filterMap[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
			}

			entries, err := orch.Search(ctx, args[0], modelfetch.Source(source), limit, filterMap)
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].Downloads > entries[j].Downloads
			})

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			if len(entries) == 0 {
				fmt.Println("No models found.")
				return nil
			}
			printEntryTable(entries)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Limit search to one source: huggingface|ollama|lmstudio")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum results per source")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Source-specific filter as key=value (e.g. author=TheBloke)")
	ff.register(cmd)

	return cmd
}

func printEntryTable(entries []modelfetch.Entry) {
	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		bold("NAME"), bold("SOURCE"), bold("FORMAT"), bold("SIZE"), bold("DOWNLOADS"))
	for _, e := range entries {
		size := dim("-")
		if e.SizeBytes > 0 {
			size = units.HumanSize(float64(e.SizeBytes))
		}
		downloads := dim("-")
		if e.Downloads > 0 {
			downloads = fmt.Sprintf("%d", e.Downloads)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Source, e.Format, size, downloads)
	}
	w.Flush()
}
