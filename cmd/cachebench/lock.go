package main

import (
	"fmt"
	"time"

	"github.com/llxisdsh/objcache"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	lockOps        int
	lockWriteEvery int
	lockUpgrade    bool
)

func init() {
	cmd := newLockCmd()
	cmd.Flags().IntVarP(&lockOps, "ops", "n", 200000, "Acquisitions per worker")
	cmd.Flags().IntVar(&lockWriteEvery, "write-every", 1000, "Take the write lock once per this many acquisitions (0 disables writes)")
	cmd.Flags().BoolVar(&lockUpgrade, "upgrade", false, "Writes upgrade a read acquisition instead of acquiring for write")
	rootCmd.AddCommand(cmd)
}

func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Run a read-mostly workload on an AsymmetricRWLock",
		Long: `The lock command runs --workers workers that each acquire the lock
--ops times, mostly for reading. It checks that writers are exclusive and
reports mode transitions and upgrade gaps.

Example:
  cachebench lock --workers 16 --write-every 500 --upgrade`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLock()
		},
	}
}

func runLock() error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.stop()

	l := objcache.NewAsymmetricRWLock(
		objcache.WithLockLogger(e.logger.WithIndex("bench")),
		objcache.WithLockMetrics(e.metrics),
	)
	// shared is only written under the write lock; readers check it is even.
	var shared int64
	var g errgroup.Group
	start := time.Now()
	for w := 0; w < workers; w++ {
		id := objcache.NewWorkerID()
		g.Go(func() error {
			for i := 1; i <= lockOps; i++ {
				if lockWriteEvery > 0 && i%lockWriteEvery == 0 {
					var t objcache.Token
					if lockUpgrade {
						t, _ = l.UpgradeToWrite(l.AcquireRead(id))
					} else {
						t = l.AcquireWrite(id)
					}
					shared++
					shared++
					l.Release(t)
					continue
				}
				t := l.AcquireRead(id)
				v := shared
				l.Release(t)
				if v%2 != 0 {
					return fmt.Errorf("reader observed a write in progress (value %d)", v)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	took := time.Since(start)
	report("lock",
		"workers", workers,
		"acquisitions", workers*lockOps,
		"final mode", l.Mode(),
		"localizations", e.basic.Localizations.Load(),
		"globalizations", e.basic.Globalizations.Load(),
		"upgrades", e.basic.Upgrades.Load(),
		"upgrade gaps", e.basic.UpgradeGaps.Load(),
		"time", took,
	)
	return err
}
