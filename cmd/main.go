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
	"os"
	"time"

	"github.com/apgms/escrow"
	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/archive"
	"github.com/apgms/escrow/internal/auditlog"
	"github.com/apgms/escrow/internal/cache"
	"github.com/apgms/escrow/internal/metrics"
	"github.com/apgms/escrow/internal/notification"
	redis_db "github.com/apgms/escrow/internal/redis-db"
	"github.com/apgms/escrow/internal/regulator"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
)

// App is the CLI application, wrapping the root Cobra command.
type App struct {
	cmd *cobra.Command
}

// escrowInstance holds the engine and everything it was built from, shared by all commands.
type escrowInstance struct {
	escrow *escrow.Escrow
	cnf    *config.Configuration
	redis  *redis_db.Redis
	queue  *escrow.Queue
}

// close releases the connections opened in preRun.
func (a *escrowInstance) close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			logrus.Errorf("closing queue: %v", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logrus.Errorf("closing redis: %v", err)
		}
	}
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any command runs.
func preRun(app *escrowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		if err := setupEscrow(cmd.Context(), app, cnf); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		app.cnf = cnf
		return nil
	}
}

// setupEscrow connects the store, redis and the outbound collaborators and assembles the engine.
func setupEscrow(ctx context.Context, app *escrowInstance, cfg *config.Configuration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.NewDataSource(cfg)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	rdb, err := redis_db.FromConfig(cfg.Redis)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}

	queue, err := escrow.NewQueue(cfg)
	if err != nil {
		_ = rdb.Close()
		return fmt.Errorf("error creating queue: %v", err)
	}

	recorder, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		_ = queue.Close()
		_ = rdb.Close()
		return fmt.Errorf("error creating metrics: %v", err)
	}

	opts := []escrow.Option{
		escrow.WithSettings(escrow.SettingsFromConfig(cfg)),
		escrow.WithRegulator(regulator.New(ctx, cfg.Regulator)),
		escrow.WithMetrics(recorder),
		escrow.WithAuditSink(auditlog.New(global.GetLoggerProvider())),
		escrow.WithCache(cache.NewCache(rdb.Client(), time.Duration(cfg.Evidence.CacheTTLSec)*time.Second)),
		escrow.WithRedis(rdb.Client()),
		escrow.WithQueue(queue),
	}

	if cfg.Evidence.S3Bucket != "" {
		evidenceArchive, err := archive.New(ctx, cfg.Evidence)
		if err != nil {
			_ = queue.Close()
			_ = rdb.Close()
			return fmt.Errorf("error creating evidence archive: %v", err)
		}
		opts = append(opts, escrow.WithEvidenceArchive(evidenceArchive))
	} else {
		logrus.Warn("No evidence bucket configured, sealed artifacts stay in the database only")
	}

	app.escrow = escrow.NewEscrow(db, opts...)
	app.redis = rdb
	app.queue = queue
	return nil
}

// NewCLI builds the root command and its subcommands.
func NewCLI() *App {
	var configFile string
	a := &escrowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "apgms",
		Short: "Tax withholding escrow engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./apgms.json", "Configuration file")
	rootCmd.PersistentPreRunE = preRun(a, &configFile)
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) { a.close() }

	rootCmd.AddCommand(serverCommands(a))
	rootCmd.AddCommand(workerCommands(a))
	rootCmd.AddCommand(migrateCommands(a))
	rootCmd.AddCommand(reconcileCommands(a))
	rootCmd.AddCommand(verifyCommands(a))
	rootCmd.AddCommand(configCommands(a))

	return &App{cmd: rootCmd}
}

func (w App) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
