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
	"github.com/wizmini/wizmini/pkg/wizmini/scope"
	"github.com/wizmini/wizmini/pkg/wizmini/types"
)

var indexWatch bool

var indexCmd = &cobra.Command{
	Use:   "index [current|entire|all|<drive>|<path>]",
	Short: "Build or refresh the index for a scope",
	Long: `Index activates a scope, acquiring it from the volume's file
reference table where supported and a recursive walk otherwise, then
writes the snapshot so later activations warm-start. With --watch the
command stays attached, applying change-journal deltas until
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "stay attached and apply live updates")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return fail(err)
	}

	sc, err := parseScopeArg(args)
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	eng := engine.New(cfg)
	sub := eng.Subscribe()
	eng.Start(ctx)
	eng.ActivateScope(sc)

	ready := false
	for !ready {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case types.EventIndexProgress:
				printProgress(ev)
				if ev.Phase == types.PhaseReady {
					ready = true
				}
			case types.EventWatchStatus:
				fmt.Printf("watch: %s\n", ev.Mode)
			case types.EventScopeStatus:
				fmt.Println(ev.Message)
			case types.EventFatal:
				return fail(fmt.Errorf("%s", ev.Message))
			}
		}
	}

	fmt.Printf("indexed %s, memory %s\n",
		sc.String(), humanize.IBytes(uint64(eng.MemoryEstimate())))

	if !indexWatch {
		return nil
	}

	fmt.Println("watching for changes, ctrl-c to stop")
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c := eng.DeltaCounts()
			fmt.Printf("deltas: +%d ~%d -%d, memory %s\n",
				c.Added, c.Updated, c.Deleted, humanize.IBytes(uint64(eng.MemoryEstimate())))
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if ev.Kind == types.EventScopeStatus {
				fmt.Println(ev.Message)
			}
			if ev.Kind == types.EventFatal {
				return fail(fmt.Errorf("%s", ev.Message))
			}
		}
	}
}

func parseScopeArg(args []string) (scope.Scope, error) {
	descriptor := "current"
	if len(args) > 0 {
		descriptor = args[0]
	}
	cwd, err := os.Getwd()
	if err != nil {
		return scope.Scope{}, err
	}
	return scope.Parse(descriptor, cwd)
}

func printProgress(ev types.Event) {
	if ev.TotalEstimate > 0 {
		fmt.Printf("%s: %d/%d\n", ev.Phase, ev.Scanned, ev.TotalEstimate)
		return
	}
	fmt.Printf("%s: %d\n", ev.Phase, ev.Scanned)
}
