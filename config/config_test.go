package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli"
)

func testOptions(opt Options, t *testing.T) {
	err := opt.Verify()
	if err != nil {
		t.Error(err)
	}

	//Check json marshaling
	jstr, err := json.Marshal(opt)
	if err != nil {
		t.Error(err)
	}

	var jobj Options
	err = json.Unmarshal(jstr, &jobj)
	if err != nil {
		t.Error(err)
	}

	err = jobj.Verify()
	if err != nil {
		t.Error(err)
	}

	if !jobj.Equals(opt) {
		t.Error("unmarshalled version did not equate to original")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions

	testOptions(opts, t)
}

func TestOptionsVerify(t *testing.T) {
	cases := map[string]struct {
		mutate func(o *Options)
		want   error
	}{
		"driver":  {func(o *Options) { o.Database.Driver = "mysql" }, ErrOptionsDriver},
		"source":  {func(o *Options) { o.Database.Source = " " }, ErrOptionsSource},
		"mode":    {func(o *Options) { o.Fanout.Mode = "KAFKA" }, ErrOptionsFanout},
		"notify":  {func(o *Options) { o.Fanout.Mode = FanoutNotify }, ErrOptionsNotify},
		"log":     {func(o *Options) { o.Database.Driver = DriverPostgres }, ErrOptionsLogDriver},
		"history": {func(o *Options) { o.Relay.HistoryLimit = 0 }, ErrOptionsHistory},
		"header":  {func(o *Options) { o.Relay.UserHeader = "" }, ErrOptionsHeader},
		"metrics": {func(o *Options) { o.Metrics.Path = "metrics" }, ErrOptionsMetrics},
	}

	for name, c := range cases {
		opts := DefaultOptions
		c.mutate(&opts)
		if err := opts.Verify(); err != c.want {
			t.Errorf("%s: expected %v, got %v", name, c.want, err)
		}
	}

	opts := DefaultOptions
	opts.Database.Driver = DriverPostgres
	opts.Database.Source = "postgres://relay@localhost/relay"
	opts.Fanout.Mode = FanoutNotify
	if err := opts.Verify(); err != nil {
		t.Error(err)
	}
}

func TestOptionsMerge(t *testing.T) {
	tgt := DefaultOptions

	opts := DefaultOptions
	opts.Fanout.Mode = FanoutLocal
	opts.Relay.CleaningInterval = 2
	opts.Relay.EventRetention = 5

	if err := tgt.MergeFrom(opts); err != nil {
		t.Error(err)
	}
	if tgt.Fanout.Mode != FanoutLocal {
		t.Error("merge did not carry the fanout mode")
	}

	opts.Relay.CleaningInterval = 10
	if err := tgt.MergeFrom(opts); err == nil {
		t.Error("failed to find bad time intervals")
	}
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadOptionsFromJSON(t *testing.T) {
	path := writeFile(t, "relay.json", `{
		"relay": {"port": 5000, "userHeader": "X-User"},
		"fanout": {"mode": "local"}
	}`)

	opts, err := ReadOptionsFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if opts.Relay.Port != 5000 || opts.Relay.UserHeader != "X-User" {
		t.Errorf("file values not applied: %+v", opts.Relay)
	}
	if opts.Fanout.Mode != FanoutLocal {
		t.Errorf("expected LOCAL fanout, got %s", opts.Fanout.Mode)
	}

	//Keys the file leaves out keep their defaults
	if opts.Database != DefaultOptions.Database {
		t.Errorf("database defaults lost: %+v", opts.Database)
	}
	if opts.Relay.HistoryLimit != DefaultOptions.Relay.HistoryLimit {
		t.Error("history limit default lost")
	}
}

func TestReadOptionsFromYAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
database:
  driver: pgx
  source: postgres://relay@db/relay
fanout:
  mode: NOTIFY
logging:
  level: DEBUG
  format: JSON
`)

	opts, err := ReadOptionsFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Database.Driver != DriverPostgres || opts.Fanout.Mode != FanoutNotify {
		t.Errorf("yaml values not applied: %+v %+v", opts.Database, opts.Fanout)
	}
	if opts.Logging.Level != "DEBUG" || opts.Logging.Format != "JSON" {
		t.Errorf("logging values not applied: %+v", opts.Logging)
	}
}

func TestReadOptionsPostgresFanout(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
database:
  driver: pgx
  source: postgres://relay@db/relay
`)

	opts, err := ReadOptionsFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Fanout.Mode != FanoutNotify {
		t.Errorf("expected NOTIFY fanout for pgx, got %s", opts.Fanout.Mode)
	}

	path = writeFile(t, "explicit.yaml", `
database:
  driver: pgx
  source: postgres://relay@db/relay
fanout:
  mode: LOG
`)
	if _, err := ReadOptionsFromFile(path); err != ErrOptionsLogDriver {
		t.Errorf("expected ErrOptionsLogDriver, got %v", err)
	}
}

//runCLI parses args against the fanout and database flags of the relay
//and returns the compiled options
func runCLI(t *testing.T, args ...string) (Options, error) {
	var (
		opts Options
		err  error
	)

	app := cli.NewApp()
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config"},
		cli.StringFlag{Name: "db-driver", Value: DefaultOptions.Database.Driver},
		cli.StringFlag{Name: "db", Value: DefaultOptions.Database.Source},
		cli.StringFlag{Name: "fanout", Value: DefaultOptions.Fanout.Mode},
	}
	app.Action = func(c *cli.Context) error {
		opts, err = NewOptions(nil, "", c)
		return nil
	}

	if rerr := app.Run(append([]string{"relay"}, args...)); rerr != nil {
		t.Fatal(rerr)
	}
	return opts, err
}

func TestCLIPostgresFanout(t *testing.T) {
	opts, err := runCLI(t, "--db-driver", "pgx", "--db", "postgres://relay@db/relay")
	if err != nil {
		t.Fatal(err)
	}
	if opts.Fanout.Mode != FanoutNotify {
		t.Errorf("expected NOTIFY fanout for pgx, got %s", opts.Fanout.Mode)
	}

	_, err = runCLI(t, "--db-driver", "pgx", "--db", "postgres://relay@db/relay", "--fanout", "log")
	if err != ErrOptionsLogDriver {
		t.Errorf("expected ErrOptionsLogDriver, got %v", err)
	}

	opts, err = runCLI(t)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Fanout.Mode != FanoutLog {
		t.Errorf("expected LOG fanout for sqlite3, got %s", opts.Fanout.Mode)
	}
}

func TestReadOptionsEnvironmentOverride(t *testing.T) {
	path := writeFile(t, "relay.json", `{"relay": {"port": 5000}}`)
	t.Setenv("RELAY_RELAY_PORT", "6000")
	t.Setenv("RELAY_DATABASE_SOURCE", "/var/lib/relay.db")

	opts, err := ReadOptionsFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Relay.Port != 6000 {
		t.Errorf("expected env port 6000, got %d", opts.Relay.Port)
	}
	if opts.Database.Source != "/var/lib/relay.db" {
		t.Errorf("expected env source, got %s", opts.Database.Source)
	}
}

func TestReadOptionsInvalid(t *testing.T) {
	if _, err := ReadOptionsFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeFile(t, "relay.json", `{"fanout": {"mode": "NOTIFY"}}`)
	if _, err := ReadOptionsFromFile(path); err != ErrOptionsNotify {
		t.Errorf("expected ErrOptionsNotify, got %v", err)
	}
}

func TestNewOptionsWithoutSources(t *testing.T) {
	opts, err := NewOptions(nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !opts.Equals(DefaultOptions) {
		t.Error("expected default options")
	}
}
