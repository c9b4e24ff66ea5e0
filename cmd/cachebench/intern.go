package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/llxisdsh/objcache"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	internStrings int
	internHot     int
)

func init() {
	cmd := newInternCmd()
	cmd.Flags().IntVarP(&internStrings, "strings", "n", 50000, "Number of distinct strings")
	cmd.Flags().IntVar(&internHot, "hot", 0, "Size of the hot string LRU (0 uses the default)")
	rootCmd.AddCommand(cmd)
}

func newInternCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intern",
		Short: "Intern overlapping string sets concurrently",
		Long: `The intern command has every worker intern the same --strings
strings in a different order, then checks that each string got exactly one
address and that the address resolves back to the string.

Example:
  cachebench intern --workers 8 --strings 100000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntern()
		},
	}
}

func runIntern() error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.stop()

	st, err := objcache.NewStringTable(internHot,
		objcache.WithLogger(e.logger.WithIndex("strings")),
		objcache.WithMetrics(e.metrics))
	if err != nil {
		return err
	}

	var g errgroup.Group
	start := time.Now()
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < internStrings; i++ {
				k := (i + w*internStrings/workers) % internStrings
				st.Intern("s" + strconv.Itoa(k))
			}
			return nil
		})
	}
	_ = g.Wait()
	took := time.Since(start)

	for i := 0; i < internStrings; i++ {
		s := "s" + strconv.Itoa(i)
		addr, ok := st.Address(s)
		if !ok {
			return fmt.Errorf("string %q was not interned", s)
		}
		if got, _ := st.Lookup(addr); got != s {
			return fmt.Errorf("address %d resolves to %q, want %q", addr, got, s)
		}
	}
	stats := st.Stats()
	report("intern",
		"strings", stats.Strings,
		"allocated", stats.Allocated,
		"orphaned", stats.Orphaned,
		"log chunks", stats.Chunks,
		"time", took,
	)
	return nil
}
