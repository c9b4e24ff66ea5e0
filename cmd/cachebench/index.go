package main

import (
	"fmt"
	"time"

	"github.com/llxisdsh/objcache"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	indexKeys    int
	indexPresize bool
)

func init() {
	cmd := newIndexCmd()
	cmd.Flags().IntVarP(&indexKeys, "keys", "n", 100000, "Total number of distinct keys to insert")
	cmd.Flags().BoolVar(&indexPresize, "presize", false, "Presize the index for all keys")
	rootCmd.AddCommand(cmd)
}

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Insert distinct keys concurrently and verify them",
		Long: `The index command splits --keys distinct keys between --workers
workers that insert them into one ConcurrentIndex at the same time, then
checks the size and looks every key up again.

Example:
  cachebench index --workers 8 --keys 100000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex()
		},
	}
}

type benchRecord struct {
	id    int64
	value int64
}

func runIndex() error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.stop()

	opts := []func(*objcache.IndexConfig){
		objcache.WithReferenceKind(objcache.StrongRef),
		objcache.WithLogger(e.logger.WithIndex("bench")),
		objcache.WithMetrics(e.metrics),
	}
	if indexPresize {
		opts = append(opts, objcache.WithPresize(indexKeys))
	}
	idx := objcache.NewComparableIndex[int64, benchRecord](
		func(r *benchRecord) int64 { return r.id }, opts...)

	per := (indexKeys + workers - 1) / workers
	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo, hi := w*per, min((w+1)*per, indexKeys)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				idx.Put(&benchRecord{id: int64(i), value: int64(i) * 7})
			}
			return nil
		})
	}
	_ = g.Wait()
	took := time.Since(start)

	missing := 0
	for i := 0; i < indexKeys; i++ {
		r, ok := idx.Get(int64(i))
		if !ok || r.value != int64(i)*7 {
			missing++
		}
	}
	st := idx.Stats()
	report("index",
		"keys", indexKeys,
		"workers", workers,
		"size", st.Size,
		"buckets", st.TableLen,
		"resizes", st.Resizes,
		"missing", missing,
		"insert time", took,
	)
	if missing > 0 || st.Size != indexKeys {
		return fmt.Errorf("index verification failed: size %d, missing %d", st.Size, missing)
	}
	return nil
}
