/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"golang.org/x/sync/errgroup"

	"github.com/apgms/escrow"
	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/bus"

	"github.com/hibiken/asynq"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.WebhookQueue:   3,
		conf.Queue.ReconcileQueue: 1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := escrow.RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}

	concurrency := conf.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
	}), nil
}

func initializeTaskHandlers(a *escrowInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(a.cnf.Queue.WebhookQueue, escrow.ProcessWebhook)
	mux.HandleFunc(escrow.TaskReconcile, a.escrow.ProcessReconcile)
}

// initializeScheduler registers the nightly reconciliation of every org.
func initializeScheduler(a *escrowInstance) (*asynq.Scheduler, error) {
	redisOption, err := escrow.RedisClientOpt(a.cnf)
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(redisOption, &asynq.SchedulerOpts{})
	entryID, err := scheduler.Register(a.cnf.Reconciliation.Schedule, a.queue.ReconcileTask())
	if err != nil {
		return nil, fmt.Errorf("registering reconciliation schedule %q: %w", a.cnf.Reconciliation.Schedule, err)
	}
	logrus.Infof("Reconciliation scheduled %q (%s)", a.cnf.Reconciliation.Schedule, entryID)
	return scheduler, nil
}

// runIngest consumes contribution events until ctx is done. A missing NATS url leaves ingest off.
func runIngest(ctx context.Context, a *escrowInstance) error {
	if a.cnf.Nats.URL == "" {
		logrus.Warn("No NATS url configured, event ingest disabled")
		<-ctx.Done()
		return nil
	}

	conn, js, err := bus.Connect(a.cnf.Nats)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer := bus.NewConsumer(conn, js, a.escrow, a.cnf.Nats)
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return consumer.Stop()
}

// workerCommands defines the "workers" command: event ingest, the filing queue, the task server
// for webhooks and reconciliation runs, and the reconciliation scheduler.
func workerCommands(a *escrowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start escrow workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeObservability(ctx, a.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(a.cnf, initializeQueues(a.cnf))
			if err != nil {
				log.Fatal(err)
			}
			mux := asynq.NewServeMux()
			initializeTaskHandlers(a, mux)

			scheduler, err := initializeScheduler(a)
			if err != nil {
				log.Fatal(err)
			}

			filings := escrow.NewFilingQueue(a.escrow)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(mux); err != nil {
					return fmt.Errorf("could not run task server: %w", err)
				}
				<-gctx.Done()
				srv.Shutdown()
				return nil
			})
			g.Go(func() error {
				if err := scheduler.Start(); err != nil {
					return fmt.Errorf("could not run scheduler: %w", err)
				}
				<-gctx.Done()
				scheduler.Shutdown()
				return nil
			})
			g.Go(func() error {
				filings.Start(gctx)
				<-gctx.Done()
				filings.Stop()
				return nil
			})
			g.Go(func() error {
				return runIngest(gctx, a)
			})

			if err := g.Wait(); err != nil {
				log.Fatal(err)
			}
			logrus.Info("Workers stopped")
		},
	}

	return cmd
}
