// Command taskqueuedemo exercises the taskqueue façade end to end: it
// submits a handful of computation tasks, waits on them, and logs the
// aggregated status before shutting down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/taskqueue"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := taskqueue.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./taskqueuedemo.db"
	}

	q, err := taskqueue.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize taskqueue")
	}
	defer q.Shutdown(10 * time.Second)

	q.RegisterFactory(taskqueue.OpComputation, func(data []byte) (taskqueue.Operation, error) {
		return func(ctx context.Context) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "recovered computation replayed", nil
		}, nil
	})
	if err := q.ReadmitRecovered(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to readmit recovered tasks")
	}

	ctx := context.Background()
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		n := i
		id, err := q.SubmitComputation(ctx, taskqueue.OpComputation, func(ctx context.Context) (string, error) {
			time.Sleep(100 * time.Millisecond)
			return fmt.Sprintf("computed result %d", n), nil
		}, taskqueue.SubmitOptions{Priority: 5})
		if err != nil {
			log.Error().Err(err).Msg("submit failed")
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		pt, err := q.WaitForTask(ctx, id, 5*time.Second)
		if err != nil {
			log.Error().Err(err).Str("task_id", id).Msg("task did not complete")
			continue
		}
		log.Info().Str("task_id", id).Str("status", string(pt.Status)).Str("result", pt.ResultData).Msg("task finished")
	}

	status := q.GetStatus()
	log.Info().Float64("success_rate", status.Metrics.SuccessRate).Int("queue_depth", status.Metrics.QueueDepth).Msg("final status")
}
