package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wizmini/wizmini/pkg/wizmini/engine"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

var (
	searchSort   string
	searchLimit  int
	searchLatest string
)

var searchCmd = &cobra.Command{
	Use:   "search [scope] <query>",
	Short: "Run one query against a scope",
	Long: `Search activates the scope (warm-starting from its snapshot when one
exists), runs a single query, and prints the results. The query accepts
* and ? wildcards; without wildcards it matches as a case-insensitive
substring of the filename first, then the full path.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchSort, "sort", "relevance", "sort order: relevance, name, path, date, size")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "result cap (0 = configured default)")
	searchCmd.Flags().StringVar(&searchLatest, "latest", "", "only changes within a window, e.g. 30sec, 5m, 2h")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return fail(err)
	}

	scopeArgs, queryText := args[:0], args[len(args)-1]
	if len(args) == 2 {
		scopeArgs = args[:1]
	}
	sc, err := parseScopeArg(scopeArgs)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	eng := engine.New(cfg)
	sub := eng.Subscribe()
	eng.Start(ctx)

	if searchLatest != "" {
		window, parseErr := engine.ParseLatestWindow(searchLatest)
		if parseErr != nil {
			return fail(parseErr)
		}
		eng.SetLatestWindow(window)
	}

	eng.ActivateScope(sc)

	var reqID uint64
	submitted := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case types.EventIndexProgress:
				if ev.Phase == types.PhaseReady && !submitted {
					submitted = true
					reqID = eng.SubmitSearch(types.SearchRequest{
						Query: queryText,
						Sort:  parseSort(searchSort),
						Limit: searchLimit,
					})
				}
			case types.EventSearchChunk:
				if ev.RequestID != reqID {
					continue
				}
				for _, item := range ev.Items {
					fmt.Printf("%-40s  %10s  %s\n",
						item.DisplayName,
						humanize.IBytes(item.Size),
						item.FullPath)
				}
			case types.EventSearchDone:
				if ev.RequestID != reqID {
					continue
				}
				fmt.Printf("%d results in %s\n", ev.Total, time.Duration(ev.TookMS)*time.Millisecond)
				return nil
			case types.EventScopeStatus:
				fmt.Fprintln(os.Stderr, ev.Message)
			case types.EventFatal:
				return fail(fmt.Errorf("%s", ev.Message))
			}
		}
	}
}

func parseSort(s string) types.SortMode {
	switch s {
	case "name":
		return types.SortName
	case "path":
		return types.SortPath
	case "date":
		return types.SortDate
	case "size":
		return types.SortSize
	default:
		return types.SortRelevance
	}
}
