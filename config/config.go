package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/urfave/cli"

	"github.com/chris-pikul/envelope-relay/log"
)

//RelayOptions holds the settings specific to the relay
//server operations
type RelayOptions struct {
	//Host portion for the servers to listen on.
	//Leaving this empty is fine as it will just use the default interface.
	Host string `json:"host" mapstructure:"host"`

	//Port number for the server to listen on
	Port uint `json:"port" mapstructure:"port"`

	//UserHeader names the request header carrying the caller's user id,
	//set by the authenticating proxy in front of the relay
	UserHeader string `json:"userHeader" mapstructure:"userHeader"`

	//HistoryLimit caps the envelopes returned by one history request
	HistoryLimit uint `json:"historyLimit" mapstructure:"historyLimit"`

	//MaxEnvelopeBytes caps the ciphertext size of a single envelope
	MaxEnvelopeBytes uint `json:"maxEnvelopeBytes" mapstructure:"maxEnvelopeBytes"`

	//AllowList allows clients to list the conversations they are in
	AllowList bool `json:"allowList" mapstructure:"allowList"`

	//CleaningInterval holds the time interval, in minutes, in which
	//cleaning operations should be ran
	CleaningInterval uint `json:"cleaningInterval" mapstructure:"cleaningInterval"`

	//EventRetention holds how long, in minutes, fan-out events are kept
	//before cleaning removes them. It must be larger than the
	//CleaningInterval field
	EventRetention uint `json:"eventRetention" mapstructure:"eventRetention"`

	//HeartbeatInterval is the seconds between heartbeat events on
	//live streams
	HeartbeatInterval uint `json:"heartbeatInterval" mapstructure:"heartbeatInterval"`
}

//DatabaseOptions selects the backing store
type DatabaseOptions struct {
	//Driver is either sqlite3 or pgx
	Driver string `json:"driver" mapstructure:"driver"`

	//Source is the SQLite file path or the PostgreSQL connection string
	Source string `json:"source" mapstructure:"source"`
}

//FanoutOptions configures how live events travel between relay processes
type FanoutOptions struct {
	//Mode specifies the bridge between processes.
	//Options are:
	// - LOCAL: single process, events stay in memory
	// - LOG (default): processes poll the shared events table
	// - NOTIFY: PostgreSQL LISTEN/NOTIFY, requires the pgx driver
	Mode string `json:"mode" mapstructure:"mode"`

	//Channel names the event stream, relays must agree on it
	Channel string `json:"channel" mapstructure:"channel"`

	//PollInterval in milliseconds. For NOTIFY this is the fallback
	//sweep and is raised to at least five seconds
	PollInterval uint `json:"pollInterval" mapstructure:"pollInterval"`

	//BatchSize is the most events read per poll query
	BatchSize uint `json:"batchSize" mapstructure:"batchSize"`

	//BufferSize is the per subscriber event buffer, slower readers
	//drop events past it
	BufferSize uint `json:"bufferSize" mapstructure:"bufferSize"`
}

//MetricsOptions controls the prometheus endpoint
type MetricsOptions struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

const (
	//DriverSQLite selects the embedded database
	DriverSQLite = "sqlite3"

	//DriverPostgres selects PostgreSQL through pgx
	DriverPostgres = "pgx"

	//FanoutLocal keeps events within the process
	FanoutLocal = "LOCAL"

	//FanoutLog relays events through the events table
	FanoutLog = "LOG"

	//FanoutNotify relays events with LISTEN/NOTIFY
	FanoutNotify = "NOTIFY"
)

//Options is a JSON serializable object holding the configuration
//settings for running an envelope relay.
//
//These options can be loaded from file, or filled in from command line.
//The intended hierarchy is CLI options > File > Defaults
type Options struct {
	//Relay holds the relay portion options
	Relay RelayOptions `json:"relay" mapstructure:"relay"`

	//Database holds the storage options
	Database DatabaseOptions `json:"database" mapstructure:"database"`

	//Fanout holds the live event options
	Fanout FanoutOptions `json:"fanout" mapstructure:"fanout"`

	//Metrics holds the prometheus options
	Metrics MetricsOptions `json:"metrics" mapstructure:"metrics"`

	//Logging holds the options settings for logging operations
	Logging log.Options `json:"logging" mapstructure:"logging"`
}

//DefaultOptions contains the preset default options
//for a server.
var DefaultOptions = Options{
	Relay: RelayOptions{
		Host:              "",
		Port:              4000,
		UserHeader:        "X-Relay-User",
		HistoryLimit:      200,
		MaxEnvelopeBytes:  256 * 1024,
		AllowList:         true,
		CleaningInterval:  5,
		EventRetention:    60,
		HeartbeatInterval: 30,
	},

	Database: DatabaseOptions{
		Driver: DriverSQLite,
		Source: "./envelope-relay.db",
	},

	Fanout: FanoutOptions{
		Mode:         FanoutLog,
		Channel:      "relay_events",
		PollInterval: 250,
		BatchSize:    100,
		BufferSize:   64,
	},

	Metrics: MetricsOptions{
		Enabled: true,
		Path:    "/metrics",
	},

	Logging: log.DefaultOptions,
}

var (
	//ErrOptionsDriver validation error for the database driver
	ErrOptionsDriver = errors.New("database driver invalid")

	//ErrOptionsSource validation error for a missing database source
	ErrOptionsSource = errors.New("database source is required")

	//ErrOptionsFanout validation error for the fanout mode
	ErrOptionsFanout = errors.New("fanout mode invalid")

	//ErrOptionsNotify validation error for NOTIFY without PostgreSQL
	ErrOptionsNotify = errors.New("NOTIFY fanout requires the pgx driver")

	//ErrOptionsLogDriver validation error for LOG fanout on PostgreSQL,
	//where event ids can commit out of order and the poller skips them
	ErrOptionsLogDriver = errors.New("LOG fanout requires the sqlite3 driver, use NOTIFY with pgx")

	//ErrOptionsCleaning validation error that cleaning interval
	//is larger then the event retention
	ErrOptionsCleaning = errors.New("cleaning interval should be less then event retention")

	//ErrOptionsHistory validation error for a zero history limit
	ErrOptionsHistory = errors.New("history limit must be positive")

	//ErrOptionsHeader validation error for a missing user header
	ErrOptionsHeader = errors.New("user header is required")

	//ErrOptionsMetrics validation error for a metrics path that is not absolute
	ErrOptionsMetrics = errors.New("metrics path must start with '/'")
)

//Equals returns true if the supplied options matches these ones (this).
//Performs this as a deep-equals operation
func (o Options) Equals(opts Options) bool {
	return o.Relay == opts.Relay &&
		o.Database == opts.Database &&
		o.Fanout == opts.Fanout &&
		o.Metrics == opts.Metrics &&
		o.Logging.Equals(opts.Logging)
}

//Verify checks the Options fields for validity.
//Returns an error if a problem is incountered
func (o Options) Verify() error {
	if o.Database.Driver != DriverSQLite && o.Database.Driver != DriverPostgres {
		return ErrOptionsDriver
	}
	if strings.TrimSpace(o.Database.Source) == "" {
		return ErrOptionsSource
	}

	switch o.Fanout.Mode {
	case FanoutLocal:
	case FanoutLog:
		if o.Database.Driver == DriverPostgres {
			return ErrOptionsLogDriver
		}
	case FanoutNotify:
		if o.Database.Driver != DriverPostgres {
			return ErrOptionsNotify
		}
	default:
		return ErrOptionsFanout
	}

	if o.Relay.CleaningInterval > o.Relay.EventRetention {
		return ErrOptionsCleaning
	}
	if o.Relay.HistoryLimit == 0 {
		return ErrOptionsHistory
	}
	if strings.TrimSpace(o.Relay.UserHeader) == "" {
		return ErrOptionsHeader
	}
	if o.Metrics.Enabled && !strings.HasPrefix(o.Metrics.Path, "/") {
		return ErrOptionsMetrics
	}

	return o.Logging.Verify()
}

//MergeFrom combines the fields from the supplied Options parameter
//into this object (smartly where applicable) and run Verify on itself,
//returning the validation error if any happened.
func (o *Options) MergeFrom(opt Options) error {
	o.Relay = opt.Relay
	o.Database = opt.Database
	o.Fanout = opt.Fanout
	o.Metrics = opt.Metrics

	err := o.Logging.MergeFrom(opt.Logging)
	if err != nil {
		return err
	}
	return o.Verify()
}

//setDefaults registers every key so environment overrides apply even
//when the file leaves a key out
func setDefaults(v *viper.Viper, def Options) {
	v.SetDefault("relay.host", def.Relay.Host)
	v.SetDefault("relay.port", def.Relay.Port)
	v.SetDefault("relay.userHeader", def.Relay.UserHeader)
	v.SetDefault("relay.historyLimit", def.Relay.HistoryLimit)
	v.SetDefault("relay.maxEnvelopeBytes", def.Relay.MaxEnvelopeBytes)
	v.SetDefault("relay.allowList", def.Relay.AllowList)
	v.SetDefault("relay.cleaningInterval", def.Relay.CleaningInterval)
	v.SetDefault("relay.eventRetention", def.Relay.EventRetention)
	v.SetDefault("relay.heartbeatInterval", def.Relay.HeartbeatInterval)

	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.source", def.Database.Source)

	v.SetDefault("fanout.mode", def.Fanout.Mode)
	v.SetDefault("fanout.channel", def.Fanout.Channel)
	v.SetDefault("fanout.pollInterval", def.Fanout.PollInterval)
	v.SetDefault("fanout.batchSize", def.Fanout.BatchSize)
	v.SetDefault("fanout.bufferSize", def.Fanout.BufferSize)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.path", def.Metrics.Path)

	v.SetDefault("logging.path", def.Logging.Path)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.usage", def.Logging.Usage)
	v.SetDefault("logging.blurTimes", def.Logging.BlurTimes)
	v.SetDefault("logging.showRemoteAddresses", def.Logging.ShowAddress)
}

//ReadOptionsFromFile opens the provided JSON or YAML file (picked by
//extension) and decodes it into an Options object on top of the
//defaults. Environment variables prefixed RELAY_ override the file,
//e.g. RELAY_DATABASE_SOURCE.
//Returns the results, and the first error encountered.
//The error is either validation error, or decoding error.
func ReadOptionsFromFile(filename string) (Options, error) {
	res := DefaultOptions

	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultOptions)

	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return res, fmt.Errorf("read config %s: %w", filename, err)
	}

	//PostgreSQL relays fan out over NOTIFY unless the file says otherwise
	if v.GetString("database.driver") == DriverPostgres {
		v.SetDefault("fanout.mode", FanoutNotify)
	}

	if err := v.Unmarshal(&res); err != nil {
		return res, fmt.Errorf("decode config %s: %w", filename, err)
	}

	res.Fanout.Mode = strings.ToUpper(res.Fanout.Mode)
	return res, res.Verify()
}

//NewOptions compiles the Options object from the provided sources.
//Will use a custom defaults, or if nil the DefaultOptions object is used.
//Then will search the fileName file (if provided) for options.
//Then will combine the CLI options provided from main().
//These options cascade in order where applicable for the option.
//Will run the Options.Verify() method and return the error after compilation
func NewOptions(defaults *Options, filename string, ctx *cli.Context) (Options, error) {
	res := DefaultOptions
	if defaults != nil {
		res = *defaults
	}

	if len(filename) > 0 {
		fmt.Printf("reading configuration from '%s'\n", filename)
		file, err := ReadOptionsFromFile(filename)
		if err != nil {
			return res, err
		}
		err = res.MergeFrom(file)
		if err != nil {
			return res, err
		}
	}

	if ctx != nil {
		fmt.Printf("applying CLI options to configuration\n")
		applyCLIOptions(ctx, &res)
	}

	return res, res.Verify()
}

//applyCLIOptions writes the options presented in the CLI arguments to
//the provided Options object, overriding anything there previously
func applyCLIOptions(c *cli.Context, opts *Options) {
	if c == nil || opts == nil { //Safe-gaurd
		return
	}

	if c.String("config") != "" {
		//config file was used, ignore the flags
		return
	}

	if c.IsSet("host") {
		opts.Relay.Host = c.String("host")
	}
	if c.IsSet("port") {
		opts.Relay.Port = c.Uint("port")
	}
	if str := c.String("user-header"); str != "" {
		opts.Relay.UserHeader = str
	}

	if str := c.String("db-driver"); str != "" {
		opts.Database.Driver = str
	}
	if str := c.String("db"); str != "" {
		opts.Database.Source = str
	}

	if c.IsSet("fanout") {
		opts.Fanout.Mode = strings.ToUpper(c.String("fanout"))
	} else if opts.Database.Driver == DriverPostgres && opts.Fanout.Mode == FanoutLog {
		opts.Fanout.Mode = FanoutNotify
	}

	if c.Bool("no-list") {
		opts.Relay.AllowList = false
	}
	if c.Bool("no-metrics") {
		opts.Metrics.Enabled = false
	}

	if c.Uint("cleaning") > 0 {
		opts.Relay.CleaningInterval = c.Uint("cleaning")
	}
	if c.Uint("retention") > 0 {
		opts.Relay.EventRetention = c.Uint("retention")
	}

	opts.Logging.Path = c.String("log")

	if str := c.String("log-level"); str != "" {
		opts.Logging.Level = str
	}
	if str := c.String("log-format"); str != "" {
		opts.Logging.Format = strings.ToUpper(str)
	}

	if c.IsSet("log-blur") {
		opts.Logging.BlurTimes = c.Uint("log-blur")
	}
}
