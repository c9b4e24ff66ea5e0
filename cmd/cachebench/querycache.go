package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/llxisdsh/objcache"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	qcOps      int
	qcKeys     int
	qcBudget   int
	qcTTL      time.Duration
	qcRefCache bool
)

func init() {
	cmd := newQueryCacheCmd()
	cmd.Flags().IntVarP(&qcOps, "ops", "n", 100000, "Lookups per worker")
	cmd.Flags().IntVar(&qcKeys, "queries", 5000, "Number of distinct queries")
	cmd.Flags().IntVar(&qcBudget, "budget", 1000, "Plain entry budget (relationship row budget is ten times larger)")
	cmd.Flags().DurationVar(&qcTTL, "ttl", 0, "Entry time-to-live (0 disables expiry)")
	cmd.Flags().BoolVar(&qcRefCache, "ref", false, "Use the reference-only cache instead of the LRU cache")
	rootCmd.AddCommand(cmd)
}

func newQueryCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "querycache",
		Short: "Run a skewed lookup workload on a query result cache",
		Long: `The querycache command runs --workers workers that look up queries
drawn from a skewed distribution, filling the cache on misses. One query in
four is a relationship query returning several rows.

Example:
  cachebench querycache --budget 500 --ttl 50ms
  cachebench querycache --ref`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryCache()
		},
	}
}

func runQueryCache() error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.stop()

	cfg := objcache.DefaultQueryCacheConfig()
	cfg.PlainBudget = qcBudget
	cfg.RelationshipBudget = qcBudget * 10
	cfg.TTL = qcTTL
	cfg.Logger = e.logger
	cfg.Metrics = e.metrics

	var cache objcache.QueryCache[int64]
	if qcRefCache {
		cache, err = objcache.NewRefQueryCache[int64](cfg)
	} else {
		cache, err = objcache.NewLRUQueryCache[int64](cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid cache configuration: %w", err)
	}

	var g errgroup.Group
	start := time.Now()
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			zipf := rand.NewZipf(rand.New(rand.NewPCG(uint64(w), 1)), 1.2, 1, uint64(qcKeys-1))
			for i := 0; i < qcOps; i++ {
				q := zipf.Uint64()
				op := objcache.TextOperation(fmt.Sprintf("select * from t where id = %d", q))
				rel := q%4 == 0
				if _, ok := cache.Get(op, rel); ok {
					continue
				}
				rows := []int64{int64(q)}
				if rel {
					rows = append(rows, int64(q)+1, int64(q)+2)
				}
				cache.Put(op, rows, rel)
			}
			return nil
		})
	}
	_ = g.Wait()
	took := time.Since(start)

	st := cache.Stats()
	lookups := st.Hits + st.Misses
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(st.Hits) / float64(lookups)
	}
	report("querycache",
		"variant", map[bool]string{true: "ref", false: "lru"}[qcRefCache],
		"entries", st.Entries,
		"retained", st.Retained,
		"hits", st.Hits,
		"misses", st.Misses,
		"hit rate", fmt.Sprintf("%.3f", hitRate),
		"evictions", st.Evictions,
		"expired", st.Expired,
		"collected", st.Collected,
		"time", took,
	)
	return nil
}
