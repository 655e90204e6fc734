package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/oplog"
	"github.com/TheMichaelB/marksync/test/testutil"
)

var drivers = []string{oplog.DriverCGO, oplog.DriverPureGo}

func openLog(b *testing.B, driver string) *oplog.SQLiteLog {
	b.Helper()

	log, err := oplog.NewSQLiteLog(filepath.Join(b.TempDir(), "oplog.db"), driver, testutil.NewTestLogger())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = log.Close() })
	return log
}

func BenchmarkOpLogAppend(b *testing.B) {
	ctx := context.Background()

	for _, driver := range drivers {
		b.Run(driver, func(b *testing.B) {
			log := openLog(b, driver)
			ops := testutil.GenerateOperations(b.N)

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if err := log.Append(ctx, ops[i]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkOpLogFetchActionable(b *testing.B) {
	ctx := context.Background()
	sizes := []int{10, 100, 1000}

	for _, driver := range drivers {
		for _, size := range sizes {
			b.Run(fmt.Sprintf("%s/%dOps", driver, size), func(b *testing.B) {
				log := openLog(b, driver)
				for _, op := range testutil.GenerateOperations(size) {
					if err := log.Append(ctx, op); err != nil {
						b.Fatal(err)
					}
				}

				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					ops, err := log.FetchActionable(ctx)
					if err != nil {
						b.Fatal(err)
					}
					if len(ops) != size {
						b.Fatalf("fetched %d, want %d", len(ops), size)
					}
				}
			})
		}
	}
}

func BenchmarkOpLogOutcomeCycle(b *testing.B) {
	ctx := context.Background()
	const size = 100

	for _, driver := range drivers {
		b.Run(driver, func(b *testing.B) {
			log := openLog(b, driver)

			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				b.StopTimer()
				ops := testutil.GenerateOperations(size)
				ids := make([]string, len(ops))
				for j, op := range ops {
					ids[j] = op.ID
					if err := log.Append(ctx, op); err != nil {
						b.Fatal(err)
					}
				}
				b.StartTimer()

				if err := log.MarkSyncing(ctx, ids); err != nil {
					b.Fatal(err)
				}
				if _, err := log.IncrementRetry(ctx, ids); err != nil {
					b.Fatal(err)
				}
				if err := log.MarkFailed(ctx, ids, "bench"); err != nil {
					b.Fatal(err)
				}
				if err := log.Remove(ctx, ids); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPartitionOps(b *testing.B) {
	ops := testutil.GenerateOperations(1000)
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		parts := oplog.PartitionOps(ops)
		if len(parts) != len(models.EntityTypes) {
			b.Fatalf("got %d partitions", len(parts))
		}
	}
}
