// Package daemon provides the agar node command line.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/agarnet/agar-node/internal/broker"
	"github.com/agarnet/agar-node/internal/broker/rabbitmq"
	"github.com/agarnet/agar-node/internal/cli"
	"github.com/agarnet/agar-node/internal/constants"
	"github.com/agarnet/agar-node/internal/game"
	"github.com/agarnet/agar-node/internal/leaderboard"
	"github.com/agarnet/agar-node/internal/metrics"
	"github.com/agarnet/agar-node/internal/node"
	"github.com/agarnet/agar-node/internal/view"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon         *node.Service
	newBus         func(url string) (broker.Bus, error)
	newLeaderboard func(ctx context.Context, cfg leaderboard.Config) (standingsReader, error)

	// ctx stops the commands which are not a node, like listen.
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int  `mapstructure:"verbose" yaml:"verbose"`
	JSONLogs  bool `mapstructure:"json-logs" yaml:"json-logs"`

	Player         string        `mapstructure:"player" yaml:"player"`
	BrokerURL      string        `mapstructure:"broker-url" yaml:"broker-url"`
	RulesPath      string        `mapstructure:"rules" yaml:"rules"`
	Tick           time.Duration `mapstructure:"tick" yaml:"tick"`
	WorldSize      int           `mapstructure:"world-size" yaml:"world-size"`
	RecordInterval time.Duration `mapstructure:"record-interval" yaml:"record-interval"`

	View     view.Config        `mapstructure:"view" yaml:"view"`
	Metrics  metrics.Config     `mapstructure:"metrics" yaml:"metrics"`
	DBconfig leaderboard.Config `mapstructure:"db" yaml:"db"`
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{
		ready:          make(chan struct{}),
		newBus:         dialBus,
		newLeaderboard: openLeaderboard,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.cmd = &cobra.Command{
		Use:           constants.CmdName,
		Short:         "Distributed agar node",
		Long:          "Runs one player of a distributed agar game, talking with its peers through a RabbitMQ broker.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs, a.config.Player) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.DecodeHook()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("Got app config", "player", a.config.Player, "broker", a.config.BrokerURL, "rules", a.config.RulesPath)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs, a.config.Player) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := bindNestedFlags(a.viper, a.cmd); err != nil {
		return nil, err
	}

	a.installVersion()
	a.installMigrate()
	a.installListen()
	a.installLeaderboard()
	a.installConfig()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd
	flags := cmd.PersistentFlags()

	flags.CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	flags.BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	flags.StringVar(&app.config.Player, "player", "", "name of the player of this node (required to play)")
	flags.StringVar(&app.config.BrokerURL, "broker-url", constants.DefaultBrokerURL,
		fmt.Sprintf("AMQP URL of the broker, or %q to play alone", constants.MemoryBrokerURL))
	flags.StringVar(&app.config.RulesPath, "rules", constants.GetDefaultRulesPath(), "path to the game rules file, reloaded on change")
	flags.DurationVar(&app.config.Tick, "tick", constants.DefaultTickInterval, "duration of a game tick")
	flags.IntVar(&app.config.WorldSize, "world-size", constants.DefaultWorldWidth, "width and height of the world")
	flags.DurationVar(&app.config.RecordInterval, "record-interval", node.DefaultRecordInterval,
		"time between two standings recorded by the coordinator in the leaderboard")

	// View server flags
	flags.StringVar(&app.config.View.Host, "view-host", "", "host for the world view endpoint")
	flags.IntVar(&app.config.View.Port, "view-port", constants.DefaultViewPort, "port for the world view endpoint")
	flags.DurationVar(&app.config.View.StreamInterval, "stream-interval", view.DefaultStreamInterval, "time between two snapshots streamed to a view")

	// Metrics server flags
	flags.DurationVar(&app.config.Metrics.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the HTTP servers")
	flags.DurationVar(&app.config.Metrics.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	flags.StringVar(&app.config.Metrics.Host, "metrics-host", "", "host for the metrics endpoint")
	flags.IntVar(&app.config.Metrics.Port, "metrics-port", constants.DefaultMetricsPort, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkPersistentFlagFilename("rules", "toml"); err != nil {
		panic(fmt.Sprintf("failed to mark rules flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *leaderboard.Config) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&config.Host, "db-host", "", "leaderboard database host, no leaderboard when empty")
	flags.IntVarP(&config.Port, "db-port", "p", 5432, "leaderboard database port")
	flags.StringVarP(&config.User, "db-user", "u", "", "leaderboard database user")
	flags.StringVarP(&config.Password, "db-password", "P", "", "leaderboard database password")
	flags.StringVarP(&config.DBName, "db-name", "n", "", "leaderboard database name")
	flags.StringVarP(&config.SSLMode, "db-sslmode", "s", "", "leaderboard database SSL mode")
}

// bindNestedFlags binds the flags of the nested sections so that flags, configuration file and
// environment agree on the same keys.
func bindNestedFlags(vip *viper.Viper, cmd *cobra.Command) error {
	nested := map[string]string{
		"view.host":             "view-host",
		"view.port":             "view-port",
		"view.stream-interval":  "stream-interval",
		"view.read-timeout":     "read-timeout",
		"metrics.host":          "metrics-host",
		"metrics.port":          "metrics-port",
		"metrics.read-timeout":  "read-timeout",
		"metrics.write-timeout": "write-timeout",
		"db.host":               "db-host",
		"db.port":               "db-port",
		"db.user":               "db-user",
		"db.password":           "db-password",
		"db.name":               "db-name",
		"db.sslmode":            "db-sslmode",
	}
	for key, flag := range nested {
		if err := vip.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("could not bind %s to --%s: %v", key, flag, err)
		}
	}
	return nil
}

// dialBus returns the in-process bus for the memory URL and connects to the AMQP broker otherwise.
func dialBus(url string) (broker.Bus, error) {
	if url == constants.MemoryBrokerURL {
		slog.Warn("Using an in-process broker: this node plays alone")
		return broker.NewMemory(), nil
	}
	return rabbitmq.New(url)
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	defer a.markReady()
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit shuts down the daemon, gracefully unless force is set.
func (a *App) Quit(force bool) {
	a.cancel()
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(force)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

func (a *App) markReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

// RootCmd returns the root command.
func (a *App) RootCmd() cobra.Command {
	return *a.cmd
}

// requirePlayer returns a usage error when no valid player is configured.
func (a *App) requirePlayer() error {
	if _, err := game.NormalizeID(a.config.Player); err != nil {
		a.cmd.SilenceUsage = false
		return fmt.Errorf("a player name is required, set it with --player: %v", err)
	}
	return nil
}
