// Package config provides a go-simpler.org/env configuration table and helpers
// for working with the list of key/value lists used to bring up a server
// process.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"
	lol "lol.mleku.dev"
	"lol.mleku.dev/chk"

	"fedmesh.dev/pkg/version"
)

// C holds application configuration settings loaded from environment
// variables and default values. It defines the parameters a server process
// needs to join an instance: its own identity, where the shared cache
// lives, which ports to listen on, and logging/profiling knobs.
type C struct {
	AppName string `env:"FEDMESH_APP_NAME" usage:"name to display on information about this server" default:"fedmesh"`
	DataDir string `env:"FEDMESH_DATA_DIR" usage:"storage location for the response-cache overflow store" default:"~/.local/share/fedmesh"`

	ServerID   string `env:"FEDMESH_SERVER_ID" usage:"this server's identity within the instance; generated if empty"`
	FLName     string `env:"FEDMESH_FL_NAME" usage:"the federated-learning job name this server serves" default:"default"`
	CacheAddr  string `env:"FEDMESH_CACHE_ADDR" usage:"address of the shared Redis-compatible cache" default:"127.0.0.1:6379"`
	CacheDB    int    `env:"FEDMESH_CACHE_DB" usage:"cache database index" default:"0"`
	CachePool  int    `env:"FEDMESH_CACHE_POOL" usage:"number of pooled cache connections" default:"4"`

	Listen     string `env:"FEDMESH_LISTEN" default:"0.0.0.0" usage:"network listen address for the server-to-server RPC plane"`
	Port       int    `env:"FEDMESH_PORT" default:"0" usage:"tcp port for the server-to-server RPC plane; 0 picks a random free port"`
	HealthPort int    `env:"FEDMESH_HEALTH_PORT" default:"0" usage:"optional health check HTTP port; 0 disables"`

	LogLevel    string `env:"FEDMESH_LOG_LEVEL" default:"info" usage:"log level: fatal error warn info debug trace"`
	LogToStdout bool   `env:"FEDMESH_LOG_TO_STDOUT" default:"false" usage:"log to stdout instead of stderr"`
	Pprof       string `env:"FEDMESH_PPROF" usage:"enable pprof in modes: cpu,memory,allocation"`

	HyperParamsFile string `env:"FEDMESH_HYPERPARAMS_FILE" usage:"path to a JSON file with the initial hyper-parameters for a new instance"`
	ModelSpecFile   string `env:"FEDMESH_MODEL_SPEC_FILE" usage:"path to a JSON file describing the seed model's weight layout"`

	RecoveryIteration     int `env:"FEDMESH_RECOVERY_ITERATION" usage:"iteration number to resume at on restart; 0 lets the cache decide" default:"0"`
	ResponseCacheBudget   int `env:"FEDMESH_RESPONSE_CACHE_BUDGET" usage:"bytes held in the getModel response cache before spilling to the overflow store" default:"67108864"`
	RegLockTimeoutSec     int `env:"FEDMESH_REG_LOCK_TIMEOUT_SEC" usage:"fatal timeout waiting to acquire the registration lock at startup" default:"900"`
	AttestationReplaySec  int `env:"FEDMESH_ATTESTATION_REPLAY_SEC" usage:"signature replay window applied to every client request" default:"300"`
}

// New creates and initializes a new configuration object for the server
// process.
//
// # Return Values
//
//   - cfg: A pointer to the initialized configuration struct containing
//     default or environment-provided values
//
//   - err: An error object that is non-nil if any operation during
//     initialization fails
//
// # Expected Behaviour
//
// Initializes a new configuration instance by loading environment variables,
// resolving the data directory, and setting the log level. Prints help or the
// current environment and exits when requested on the command line.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if cfg.DataDir == "" || strings.Contains(cfg.DataDir, "~") {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	if GetEnv() {
		PrintEnv(cfg, os.Stdout)
		os.Exit(0)
	}
	if HelpRequested() {
		PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if cfg.LogToStdout {
		lol.Writer = os.Stdout
	}
	lol.SetLogLevel(cfg.LogLevel)
	return
}

// HelpRequested determines if the command line arguments indicate a request
// for help.
func HelpRequested() (help bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			help = true
		}
	}
	return
}

// GetEnv checks if the first command line argument is "env" and returns
// whether the environment configuration should be printed.
func GetEnv() (requested bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "env":
			requested = true
		}
	}
	return
}

// KV is a key/value pair.
type KV struct{ Key, Value string }

// KVSlice is a sortable slice of key/value pairs, designed for managing
// configuration data and enabling operations like merging and sorting based
// on keys.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// Compose merges two KVSlice instances into a new slice where key-value
// pairs from the second slice override any duplicate keys from the first
// slice.
func (kv KVSlice) Compose(kv2 KVSlice) (out KVSlice) {
	for _, p := range kv {
		out = append(out, p)
	}
out:
	for i, p := range kv2 {
		for j, q := range out {
			if p.Key == q.Key {
				out[j].Value = kv2[i].Value
				continue out
			}
		}
		out = append(out, p)
	}
	return
}

// EnvKV generates key/value pairs from a configuration object's struct tags.
func EnvKV(cfg any) (m KVSlice) {
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("env")
		v := reflect.ValueOf(cfg).Field(i).Interface()
		var val string
		switch v.(type) {
		case string:
			val = v.(string)
		case int, bool, time.Duration:
			val = fmt.Sprint(v)
		case []string:
			arr := v.([]string)
			if len(arr) > 0 {
				val = strings.Join(arr, ",")
			}
		}
		if k == "" {
			continue
		}
		m = append(m, KV{k, val})
	}
	return
}

// PrintEnv outputs sorted environment key/value pairs from a configuration
// object to the provided writer.
func PrintEnv(cfg *C, printer io.Writer) {
	kvs := EnvKV(*cfg)
	sort.Sort(kvs)
	for _, v := range kvs {
		_, _ = fmt.Fprintf(printer, "%s=%s\n", v.Key, v.Value)
	}
}

// PrintHelp prints help information including application version,
// environment variable configuration, and current configuration values to
// the provided writer.
func PrintHelp(cfg *C, printer io.Writer) {
	_, _ = fmt.Fprintf(
		printer,
		"%s %s\n\n", cfg.AppName, version.V,
	)
	_, _ = fmt.Fprintf(
		printer,
		`Usage: %s [env|help]

- env: print environment variables configuring %s
- help: print this help text

`,
		cfg.AppName, cfg.AppName,
	)
	_, _ = fmt.Fprintf(
		printer,
		"Environment variables that configure %s:\n\n", cfg.AppName,
	)
	env.Usage(cfg, printer, &env.Options{SliceSep: ","})
	fmt.Fprintf(printer, "\ncurrent configuration:\n\n")
	PrintEnv(cfg, printer)
	fmt.Fprintln(printer)
	return
}
