// Package cli wires configuration, drivers and the migrator into a cobra command tree.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" database/sql driver
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/root-talis/dynamig"
	"github.com/root-talis/dynamig/config"
	"github.com/root-talis/dynamig/driver"
	"github.com/root-talis/dynamig/driver/dynamo"
	"github.com/root-talis/dynamig/driver/memory"
	mysqldriver "github.com/root-talis/dynamig/driver/mysql"
	"github.com/root-talis/dynamig/ledger"
	"github.com/root-talis/dynamig/logger"
	"github.com/root-talis/dynamig/source"
	"github.com/root-talis/dynamig/source/files"
	"github.com/root-talis/dynamig/source/registry"
)

const configFileFlag = "config"

type Option func(o *options)

type options struct {
	driver     driver.Driver
	fsys       fs.FS
	stubWriter files.StubWriter
	log        *zap.Logger
}

// WithDriver bypasses driver construction from configuration.
func WithDriver(drv driver.Driver) Option {
	return func(o *options) {
		o.driver = drv
	}
}

// WithFS sets the filesystem the unit folder is read from. Without it the folder is
// read from the local disk, absolute or relative to the working directory.
func WithFS(fsys fs.FS) Option {
	return func(o *options) {
		o.fsys = fsys
	}
}

func WithStubWriter(writer files.StubWriter) Option {
	return func(o *options) {
		o.stubWriter = writer
	}
}

// WithLogger replaces the logger built from the log-level setting.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// app is what every subcommand runs against once configuration is loaded.
type app struct {
	config   *config.Config
	log      *zap.Logger
	migrator dynamig.Migrator
	ctx      context.Context
	closers  []func() error
}

func (a *app) close() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("Failed to close resource", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// NewCommand builds the dynamig command tree. units holds the compiled change units.
func NewCommand(ctx context.Context, v *viper.Viper, units *registry.Registry, opts ...Option) *cobra.Command {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var a *app
	var reporter dynamig.ReporterFunc

	cmd := &cobra.Command{
		Use:           "dynamig",
		Short:         "Apply and revert ordered change units against DynamoDB",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = newApp(ctx, cmd, v, units, o, func(outcome dynamig.Outcome) {
				if reporter != nil {
					reporter(outcome)
				}
			})
			return err
		},
	}

	bindFlags(cmd, v)

	withApp := func(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			defer a.close()
			return fn(cmd, args)
		}
	}

	printDone := func(cmd *cobra.Command) {
		reporter = func(outcome dynamig.Outcome) {
			if outcome.Err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s done\n", outcome.Name, outcome.Direction)
			}
		}
	}

	up := func(cmd *cobra.Command, args []string) error {
		printDone(cmd)

		target := ""
		if len(args) > 0 {
			target = args[0]
		}

		return a.migrator.Up(a.ctx, target, true)
	}

	cmd.RunE = withApp(up)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up [name]",
			Short: "Apply every pending change unit, or only the named one",
			Args:  cobra.MaximumNArgs(1),
			RunE:  withApp(up),
		},
		&cobra.Command{
			Use:   "down <name>",
			Short: "Revert exactly the named change unit",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, args []string) error {
				printDone(cmd)
				return a.migrator.Down(a.ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "create [title...]",
			Short: "Scaffold a new change unit file",
			RunE: withApp(func(cmd *cobra.Command, args []string) error {
				name, err := a.migrator.Create(strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: created\n", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List applied change units, most recent first",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, _ []string) error {
				entries, err := a.migrator.List(a.ctx)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", entry.AppliedAt.Format(time.RFC3339), entry.Name)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which change units are applied, pending or missing",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, _ []string) error {
				result, err := a.migrator.Status(a.ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				for _, state := range result.Units {
					appliedAt := "-"
					if !state.AppliedAt.IsZero() {
						appliedAt = state.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "%-8s %-25s %s\n", state.Status, appliedAt, state.Name)
				}
				fmt.Fprintf(out, "applied: %d, pending: %d, missing: %d\n",
					result.AppliedCount, result.PendingCount, result.MissingCount)

				return nil
			}),
		},
	)

	return cmd
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String(configFileFlag, "", "path to a config file")
	flags.String(config.KeyDriver, config.DriverDynamoDB, "ledger store: dynamodb, mysql or memory")
	flags.String(config.KeyRegion, "us-west-2", "AWS region")
	flags.String(config.KeyEndpoint, "", "DynamoDB endpoint override")
	flags.String(config.KeyAccessKeyID, "", "static AWS access key id")
	flags.String(config.KeySecretAccessKey, "", "static AWS secret access key")
	flags.String(config.KeySessionToken, "", "session token for temporary static AWS credentials")
	flags.String(config.KeyMySQLDSN, "", "MySQL DSN for the mysql driver")
	flags.String(config.KeyMySQLDatabase, "", "MySQL database holding the ledger table")
	flags.String(config.KeyTable, ledger.DefaultTableName, "ledger table name")
	flags.String(config.KeyPrefix, "", "ledger table name prefix")
	flags.StringP(config.KeyFolder, "f", "migrations", "change unit folder")
	flags.String(config.KeyPackage, "", "package clause of created unit files")
	flags.Int64(config.KeyReadCapacity, 1, "ledger table read capacity, 0 for on-demand")
	flags.Int64(config.KeyWriteCapacity, 1, "ledger table write capacity, 0 for on-demand")
	flags.Duration(config.KeyPollInterval, ledger.DefaultPollInterval, "interval between ledger table status checks")
	flags.Uint64(config.KeyPollAttempts, ledger.DefaultPollAttempts, "ledger table status checks before giving up")
	flags.Duration(config.KeyLockTTL, ledger.DefaultLockTTL, "ledger lock lifetime, 0 disables locking")
	flags.String(config.KeyLogLevel, "info", "log level: debug, info, warn, error")

	config.SetDefaults(v)

	if err := config.BindEnv(v); err != nil {
		panic(err)
	}

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func newApp(
	ctx context.Context,
	cmd *cobra.Command,
	v *viper.Viper,
	units *registry.Registry,
	o *options,
	report dynamig.ReporterFunc,
) (*app, error) {
	if path, _ := cmd.Flags().GetString(configFileFlag); path != "" {
		if err := config.ReadFile(v, path); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	log := o.log
	if log == nil {
		level, _ := cfg.Level()
		log = logger.New(cmd.ErrOrStderr(), level)
	}

	a := &app{
		config: cfg,
		log:    log,
		ctx:    logger.NewContextWithLogger(ctx, log),
	}

	drv := o.driver
	if drv == nil {
		drv, err = a.openDriver()
		if err != nil {
			a.close()
			return nil, err
		}
	}

	src, err := a.openSource(units, o, cmd.Name() == "create")
	if err != nil {
		a.close()
		return nil, err
	}

	l := ledger.New(drv, cfg.LedgerConfig(), ledger.WithLogger(log.Named("ledger")))

	a.migrator = dynamig.New(src, l,
		dynamig.WithLogger(log),
		dynamig.WithReporter(report),
		dynamig.WithLock(cfg.LockTTL),
	)

	return a, nil
}

func (a *app) openDriver() (driver.Driver, error) {
	switch a.config.Driver {
	case config.DriverMySQL:
		conn, err := sql.Open("mysql", a.config.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql connection: %w", err)
		}
		a.closers = append(a.closers, conn.Close)

		return mysqldriver.NewDriver(conn, mysqldriver.DriverConfig{DatabaseName: a.config.MySQLDatabase}), nil

	case config.DriverMemory:
		a.log.Warn("Using the in-memory driver; the ledger is discarded on exit")
		return memory.NewDriver(), nil

	default:
		drv, err := dynamo.NewDriverFromConfig(a.ctx, a.config.DynamoConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to set up dynamodb: %w", err)
		}
		return drv, nil
	}
}

// openSource reads units from the folder when it exists and from the registry otherwise.
func (a *app) openSource(units *registry.Registry, o *options, scaffold bool) (source.Source, error) {
	folder := a.config.Folder

	var err error
	if o.fsys != nil {
		_, err = fs.Stat(o.fsys, folder)
	} else {
		_, err = os.Stat(folder)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist) && !scaffold:
		a.log.Debug("Unit folder not found, using compiled units", zap.String("folder", folder))
		return units, nil
	case errors.Is(err, fs.ErrNotExist) && o.fsys == nil:
		if err := os.MkdirAll(folder, 0o755); err != nil { // nolint:gomnd
			return nil, fmt.Errorf("failed to create unit folder: %w", err)
		}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to open unit folder %s: %w", folder, err)
	}

	var fileOpts []files.Option
	if a.config.Package != "" {
		fileOpts = append(fileOpts, files.WithPackageName(a.config.Package))
	}
	if o.stubWriter != nil {
		fileOpts = append(fileOpts, files.WithStubWriter(o.stubWriter))
	}

	var src *files.Source
	if o.fsys != nil {
		src, err = files.NewFilesSource(o.fsys, folder, units, fileOpts...)
	} else {
		src, err = files.NewDirSource(folder, units, fileOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open unit folder %s: %w", folder, err)
	}

	return src, nil
}
