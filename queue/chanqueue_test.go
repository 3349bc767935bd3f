package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/platforma-dev/batchmigrate/driver"
	"github.com/platforma-dev/batchmigrate/migration"
	"github.com/platforma-dev/batchmigrate/queue"
)

func batchJob(migrationID string, batch int) driver.Job {
	return driver.Job{
		ID:          fmt.Sprintf("%s-%d", migrationID, batch),
		MigrationID: migrationID,
		Direction:   migration.Up,
		Batch:       batch,
		BatchSize:   100,
		ExecutionID: 1,
	}
}

func TestChanQueue(t *testing.T) {
	t.Parallel()

	t.Run("batches come out in order", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		q := queue.NewChanQueue[driver.Job](3, time.Second)

		err := q.Open(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		defer q.Close(ctx)

		for batch := 1; batch <= 3; batch++ {
			err = q.EnqueueJob(ctx, batchJob("backfill", batch))
			if err != nil {
				t.Fatalf("expected no error, got: %s", err.Error())
			}
		}

		ch, err := q.GetJobChan(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		for want := 1; want <= 3; want++ {
			select {
			case j := <-ch:
				if j.Batch != want || j.MigrationID != "backfill" {
					t.Fatalf("expected backfill batch %d, got: %+v", want, j)
				}
			default:
				t.Fatalf("expected batch %d to be buffered", want)
			}
		}
	})

	t.Run("open twice keeps buffered batches", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		q := queue.NewChanQueue[driver.Job](1, time.Second)

		err := q.Open(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		defer q.Close(ctx)

		err = q.EnqueueJob(ctx, batchJob("backfill", 1))
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		err = q.Open(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}

		ch, _ := q.GetJobChan(ctx)
		if len(ch) != 1 {
			t.Fatalf("expected the batch to survive a second open, got: %d", len(ch))
		}
	})

	t.Run("full buffer times out", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		q := queue.NewChanQueue[driver.Job](0, 50*time.Millisecond)

		err := q.Open(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		defer q.Close(ctx)

		err = q.EnqueueJob(ctx, batchJob("backfill", 1))
		if !errors.Is(err, queue.ErrTimeout) {
			t.Fatalf("expected timeout error, got: %v", err)
		}
	})

	t.Run("canceled enqueue", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		q := queue.NewChanQueue[driver.Job](0, 30*time.Second)

		err := q.Open(ctx)
		if err != nil {
			t.Fatalf("expected no error, got: %s", err.Error())
		}
		defer q.Close(context.Background())

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err = q.EnqueueJob(ctx, batchJob("backfill", 1))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation error, got: %v", err)
		}
	})

	t.Run("closed queue refuses batches", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		q := queue.NewChanQueue[driver.Job](1, time.Second)

		err := q.EnqueueJob(ctx, batchJob("backfill", 1))
		if !errors.Is(err, queue.ErrClosedQueue) {
			t.Fatalf("expected closed queue error, got: %v", err)
		}

		_, err = q.GetJobChan(ctx)
		if !errors.Is(err, queue.ErrClosedQueue) {
			t.Fatalf("expected closed queue error, got: %v", err)
		}
	})
}
