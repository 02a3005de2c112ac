package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chris-pikul/envelope-relay/config"
	"github.com/chris-pikul/envelope-relay/log"
	"github.com/chris-pikul/envelope-relay/relay"
)

const (
	//Version holds the CLI application version
	Version = "0.2.0"
)

const usageText = `envelope-relay [global options...] [command]

   Default command is "serve".
   If the config option is provided, then all the other options are
   ignored and the JSON or YAML file is used instead. RELAY_ prefixed
   environment variables override file values (RELAY_RELAY_PORT=4100).
`

var (
	cfg config.Options

	chanQuit = make(chan bool)
)

var (
	flagConfig = cli.StringFlag{
		Name:  "config, c",
		Usage: "configuration JSON or YAML `FILE` to use instead of options (empty = no config)",
	}
	flagDriver = cli.StringFlag{
		Name:  "db-driver",
		Usage: "database `DRIVER` to use, options are [sqlite3|pgx]",
		Value: config.DefaultOptions.Database.Driver,
	}
	flagDB = cli.StringFlag{
		Name:  "db, d",
		Usage: "SQLite database `FILE` or PostgreSQL connection string",
		Value: config.DefaultOptions.Database.Source,
	}
	flagRetention = cli.UintFlag{
		Name:  "retention, e",
		Usage: "fanout event retention in `MINUTES` (should be larger then cleaning period)",
		Value: config.DefaultOptions.Relay.EventRetention,
	}
	flagLog = cli.StringFlag{
		Name:  "log, l",
		Usage: "`FILE` to write usage/error logs to (empty writes to stdout)",
		Value: config.DefaultOptions.Logging.Path,
	}
	flagLogLevel = cli.StringFlag{
		Name:  "log-level, L",
		Usage: "logging `LEVEL` to use options are [DEBUG|INFO|WARN|ERROR]",
		Value: config.DefaultOptions.Logging.Level,
	}
	flagLogFormat = cli.StringFlag{
		Name:  "log-format",
		Usage: "logging `FORMAT` to use options are [TEXT|JSON]",
		Value: config.DefaultOptions.Logging.Format,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "Envelope Relay"
	app.Usage = "store and forward end-to-end encrypted message envelopes"
	app.UsageText = usageText
	app.HelpName = "envelope-relay"
	app.Version = Version
	app.Authors = []cli.Author{
		cli.Author{
			Name:  "Chris Pikul",
			Email: "chris-pikul@gmail.com",
		},
	}

	//NOTE: there is no real way to tell if these are CLI defaults,
	//or DefaultOptions defaults, so because of the build order
	//of options the CLI just dictates the final object irregardless
	//of if a configuration file is used.
	//For this reason, if a config file is provided, the options are ignored
	app.Flags = []cli.Flag{
		flagConfig,

		cli.StringFlag{
			Name:  "host",
			Usage: "`HOST` address or IP for the listening interface",
			Value: config.DefaultOptions.Relay.Host,
		},
		cli.UintFlag{
			Name:  "port, p",
			Usage: "`PORT` number to listen on",
			Value: config.DefaultOptions.Relay.Port,
		},
		cli.StringFlag{
			Name:  "user-header",
			Usage: "request `HEADER` carrying the authenticated user id",
			Value: config.DefaultOptions.Relay.UserHeader,
		},

		flagDriver,
		flagDB,
		cli.StringFlag{
			Name:  "fanout, f",
			Usage: "fanout `MODE` between relay processes, options are [LOCAL|LOG|NOTIFY]",
			Value: config.DefaultOptions.Fanout.Mode,
		},

		cli.BoolFlag{
			Name:  "no-list",
			Usage: "disable listing a caller's conversations",
		},
		cli.BoolFlag{
			Name:  "no-metrics",
			Usage: "disable the prometheus endpoint",
		},

		cli.UintFlag{
			Name:  "cleaning, C",
			Usage: "time interval inbetween cleaning the fanout log in `MINUTES`",
			Value: config.DefaultOptions.Relay.CleaningInterval,
		},
		flagRetention,

		flagLog,
		flagLogLevel,
		flagLogFormat,
		cli.UintFlag{
			Name:  "log-blur",
			Usage: "round out access times to `SECONDS` provided in logging to improve privacy",
			Value: config.DefaultOptions.Logging.BlurTimes,
		},
	}

	app.Commands = []cli.Command{
		cli.Command{
			Name:   "serve",
			Usage:  "serve the relay API and conversation streams (default command)",
			Action: runServer,
			Flags:  app.Flags,
		},

		cli.Command{
			Name:   "migrate",
			Usage:  "create or check the database schema, then exit",
			Action: runMigrate,
			Flags: []cli.Flag{
				flagConfig,
				flagDriver,
				flagDB,
				flagLog,
				flagLogLevel,
				flagLogFormat,
			},
		},

		cli.Command{
			Name:   "clean",
			Usage:  "removes expired events from the fanout log",
			Action: runClean,
			Flags: []cli.Flag{
				flagConfig,
				flagDriver,
				flagDB,
				flagRetention,
				flagLog,
				flagLogLevel,
				flagLogFormat,
			},
		},
	}

	app.Action = runServer

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

//common initialization procedures
func initialize(c *cli.Context) error {
	var err error

	//Load the configuration (from file if needed)
	cfgFile := c.String("config")
	cfg, err = config.NewOptions(nil, cfgFile, c)
	if err != nil {
		return fmt.Errorf("failed to parse configuration options; error = %s", err.Error())
	}

	//Startup logging as soon as possible
	if err := log.Initialize(cfg.Logging); err != nil {
		return fmt.Errorf("failed to startup server due to logging issue; error = %s", err.Error())
	}
	log.Info("initialized logging")

	return nil
}

//performs the shutdown steps for graceful closing of the server
func shutdown(srv *relay.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Err("relay shutdown was not clean", err)
	}
}

//holds the main thread until either an interrupt from OS, or the chanQuit receives a message
func blockUntilSignalOrTermination() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	//Block until terminated
	select {
	case <-sigChan:
		log.Info("closing due to interrupt")
	case <-chanQuit:
		log.Info("closing from quit message")
	}
}

func runServer(c *cli.Context) error {
	if err := initialize(c); err != nil {
		return err
	}

	srv, err := relay.Initialize(context.Background(), cfg)
	if err != nil {
		log.Err("failed to start relay service", err)
		return err
	}
	srv.Start()

	blockUntilSignalOrTermination()
	shutdown(srv)

	return nil
}

func runMigrate(c *cli.Context) error {
	if err := initialize(c); err != nil {
		return err
	}

	if err := relay.Migrate(context.Background(), cfg); err != nil {
		log.Err("failed to migrate database", err)
		return err
	}
	return nil
}

func runClean(c *cli.Context) error {
	if err := initialize(c); err != nil {
		return err
	}

	if err := relay.CleanNowPure(context.Background(), cfg); err != nil {
		log.Err("failed to clean database", err)
		return err
	}

	return nil
}
