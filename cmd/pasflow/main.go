// pasflow is the digital preservation workflow orchestrator: it syncs
// museum objects from the collection management system, packages them
// into submission information packages, submits them to the digital
// preservation service and reconciles the verdicts.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pasflow/pasflow/dpres"
	"github.com/pasflow/pasflow/heartbeat"
	"github.com/pasflow/pasflow/internal/config"
	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
	"github.com/pasflow/pasflow/workflow"
)

var rootCmd = &cobra.Command{
	Use:          "pasflow",
	Short:        "Digital preservation workflow orchestrator",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// environment bundles the shared process state of every subcommand.
type environment struct {
	log    *zap.Logger
	config *config.Config
	db     *pasdb.DB
	redis  redis.UniversalClient
	queues *queue.Queues
}

// openEnvironment loads the configuration and connects to the database
// and Redis.
func openEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := pasdb.Open(ctx, log.Named("pasdb"), databaseURL(cfg.Database))
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &environment{
		log:    log,
		config: cfg,
		db:     db,
		redis:  client,
		queues: queue.NewQueues(log.Named("queue"), client),
	}, nil
}

func (env *environment) close() error {
	return errs.Combine(
		env.db.Close(),
		env.redis.Close(),
	)
}

func (env *environment) workflowService() *workflow.Service {
	packager := pas.NewExecPackager(env.log.Named("pas"), pas.ExecConfig{
		DownloadCommand: env.config.PAS.DownloadCommand,
		CreateCommand:   env.config.PAS.CreateCommand,
		SubmitCommand:   env.config.PAS.SubmitCommand,
		ConfirmCommand:  env.config.PAS.ConfirmCommand,
	})
	return workflow.NewService(
		env.log.Named("workflow"), env.db, env.queues, packager,
		workflow.Config{
			PackageDir:        env.config.Workflow.PackageDir,
			ArchiveDir:        env.config.Workflow.ArchiveDir,
			PreservationDelay: env.config.Workflow.PreservationDelay,
			UpdateDelay:       env.config.Workflow.UpdateDelay,
		})
}

func (env *environment) heartbeatMonitor() *heartbeat.Monitor {
	return heartbeat.NewMonitor(env.redis)
}

func (env *environment) dialDPRES() (dpres.Client, error) {
	return dpres.Dial(dpres.ClientConfig{
		Host:           env.config.DPRES.Host,
		Port:           env.config.DPRES.Port,
		Username:       env.config.DPRES.Username,
		Password:       env.config.DPRES.Password,
		PrivateKeyPath: env.config.DPRES.PrivateKeyPath,
		KnownHostsPath: env.config.DPRES.KnownHostsPath,
	})
}

func databaseURL(cfg config.DatabaseConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return pasdb.PostgresURL(cfg.User, cfg.Password, cfg.Host, strconv.Itoa(cfg.Port), cfg.Name)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, errs.New("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

// withEnvironment wraps a command runner with environment setup and
// teardown.
func withEnvironment(fn func(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		env, err := openEnvironment(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = env.close() }()

		return fn(ctx, env, cmd, args)
	}
}

func parseObjectIDs(args []string) ([]int64, error) {
	objectIDs := make([]int64, 0, len(args))
	for _, arg := range args {
		objectID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errs.New("invalid object id %q", arg)
		}
		objectIDs = append(objectIDs, objectID)
	}
	return objectIDs, nil
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
