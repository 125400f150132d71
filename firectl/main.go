package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/yabadabu/mini-firestore/firestore"
)

const FirectlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Firestore control.

Credentials and endpoints come from the config file and can be overridden
per flag. Omitting --password prompts for it on the terminal.

Usage:
    firectl login [options]
    firectl signup [options]
    firectl read <path> [options]
    firectl write <path> <json> [options]
    firectl add <path> <json> [options]
    firectl del <path> [options]
    firectl list <path> [options]
    firectl patch <path> <field> <json> [options]
    firectl inc <path> <field> <delta> [options]
    firectl query <path> [--where=<cond>]... [--order_by=<field>] [--desc] [--limit=<limit>] [options]
    firectl demo [options]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --config=<config>       YAML config file [default: firectl.yaml]
    --project=<project>     Project id.
    --api_key=<api_key>     Web API key of the project.
    --email=<email>         Account email.
    --password=<password>   Account password.
    --store_url=<url>       Document endpoint root (emulators).
    --identity_url=<url>    Identity endpoint root (emulators).
    --where=<cond>          Query condition, e.g. "age>25" or "city==Girona".
    --order_by=<field>      Query sort field.
    --desc                  Sort descending.
    --limit=<limit>         Cap the query result count.
    --trace                 Log every transfer's method, URL and body.
    --verbose               Log the session's trace output through zap.
    --insecure              Skip TLS certificate checks (emulators).`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FirectlVersion)
	if err != nil {
		panic(err)
	}

	cfg := loadConfig(opts)
	session := newSession(cfg, opts)

	if login_, _ := opts.Bool("login"); login_ {
		connect(session, cfg, false)
		Out.Printf("uid: %s", session.UID())
		Out.Printf("token expires: %v", session.TokenExpiry())
	} else if signup_, _ := opts.Bool("signup"); signup_ {
		signUp(session, cfg)
	} else if read_, _ := opts.Bool("read"); read_ {
		connect(session, cfg, true)
		read(session, opts)
	} else if write_, _ := opts.Bool("write"); write_ {
		connect(session, cfg, true)
		write(session, opts)
	} else if add_, _ := opts.Bool("add"); add_ {
		connect(session, cfg, true)
		add(session, opts)
	} else if del_, _ := opts.Bool("del"); del_ {
		connect(session, cfg, true)
		del(session, opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		connect(session, cfg, true)
		list(session, opts)
	} else if patch_, _ := opts.Bool("patch"); patch_ {
		connect(session, cfg, true)
		patch(session, opts)
	} else if inc_, _ := opts.Bool("inc"); inc_ {
		connect(session, cfg, true)
		inc(session, opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		connect(session, cfg, true)
		query(session, opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		connect(session, cfg, true)
		demo(session)
	}
}

type config struct {
	Project     string `yaml:"project"`
	APIKey      string `yaml:"api_key"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	StoreURL    string `yaml:"store_url"`
	IdentityURL string `yaml:"identity_url"`
	Trace       bool   `yaml:"trace"`
	Insecure    bool   `yaml:"insecure"`
}

func loadConfig(opts docopt.Opts) *config {
	cfg := &config{}

	configPath, _ := opts.String("--config")
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			Err.Fatalf("%s: %v", configPath, err)
		}
	} else if explicit, _ := opts.String("--config"); explicit != "firectl.yaml" {
		Err.Fatalf("%s: %v", configPath, err)
	}

	if project, err := opts.String("--project"); err == nil && project != "" {
		cfg.Project = project
	}
	if apiKey, err := opts.String("--api_key"); err == nil && apiKey != "" {
		cfg.APIKey = apiKey
	}
	if email, err := opts.String("--email"); err == nil && email != "" {
		cfg.Email = email
	}
	if password, err := opts.String("--password"); err == nil && password != "" {
		cfg.Password = password
	}
	if storeURL, err := opts.String("--store_url"); err == nil && storeURL != "" {
		cfg.StoreURL = storeURL
	}
	if identityURL, err := opts.String("--identity_url"); err == nil && identityURL != "" {
		cfg.IdentityURL = identityURL
	}
	if trace, _ := opts.Bool("--trace"); trace {
		cfg.Trace = true
	}
	if insecure, _ := opts.Bool("--insecure"); insecure {
		cfg.Insecure = true
	}

	if cfg.Project == "" || cfg.APIKey == "" {
		Err.Fatalf("a project and an api key are required, via %s or flags", configPath)
	}
	return cfg
}

func newSession(cfg *config, opts docopt.Opts) *firestore.Session {
	settings := firestore.DefaultSessionSettings()
	settings.HTTPTimeout = 30 * time.Second
	if cfg.StoreURL != "" {
		settings.StoreURL = cfg.StoreURL
	}
	if cfg.IdentityURL != "" {
		settings.IdentityURL = cfg.IdentityURL
	}
	settings.TraceTransfers = cfg.Trace
	settings.InsecureSkipVerify = cfg.Insecure

	if verbose, _ := opts.Bool("--verbose"); verbose {
		z, err := zap.NewDevelopment()
		if err != nil {
			Err.Fatalf("%v", err)
		}
		settings.Logger = firestore.NewZapLogger(z)
	}

	session := firestore.NewSession(settings)
	session.Configure(cfg.Project, cfg.APIKey)
	return session
}

// pump drives the session until every outstanding transaction delivered
// its callback.
func pump(session *firestore.Session) {
	for session.Pending() {
		if !session.Poll() {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func askPassword(cfg *config) {
	if cfg.Password != "" {
		return
	}
	fmt.Fprintf(os.Stderr, "password for %s: ", cfg.Email)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("cannot read password: %v", err)
	}
	cfg.Password = string(password)
}

// connect signs the session in. Data verbs tolerate a missing account and
// fall back to sign-up so a fresh project works out of the box.
func connect(session *firestore.Session, cfg *config, orSignUp bool) {
	if cfg.Email == "" {
		Err.Fatalf("an email is required, via the config file or --email")
	}
	askPassword(cfg)

	done := func(result *firestore.Result) {
		if result.Err != 0 {
			Err.Fatalf("login failed (%d): %s", result.Err, result.Raw)
		}
	}
	if orSignUp {
		session.ConnectOrSignUp(cfg.Email, cfg.Password, done)
	} else {
		session.Connect(cfg.Email, cfg.Password, done)
	}
	pump(session)
}

func signUp(session *firestore.Session, cfg *config) {
	if cfg.Email == "" {
		Err.Fatalf("an email is required, via the config file or --email")
	}
	askPassword(cfg)
	session.SignUp(cfg.Email, cfg.Password, func(result *firestore.Result) {
		if result.Err != 0 {
			Err.Fatalf("signup failed (%d): %s", result.Err, result.Raw)
		}
		Out.Printf("uid: %s", session.UID())
	})
	pump(session)
}

func printValue(v any) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		Err.Fatalf("%v", err)
	}
	Out.Printf("%s", string(pretty))
}

// checked wraps a verb's callback: failures abort, successes print.
func checked(verb string) firestore.Callback {
	return func(result *firestore.Result) {
		if result.Err != 0 {
			Err.Fatalf("%s failed (%d): %s", verb, result.Err, result.Raw)
		}
		printValue(result.Value)
	}
}

func parseJSONArg(opts docopt.Opts) any {
	text, _ := opts.String("<json>")
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		Err.Fatalf("<json>: %v", err)
	}
	return v
}

func read(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	session.Ref(path).Read(checked("read"))
	pump(session)
}

func write(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	session.Ref(path).Write(parseJSONArg(opts), checked("write"))
	pump(session)
}

func add(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	session.Ref(path).Add(parseJSONArg(opts), func(result *firestore.Result) {
		if result.Err != 0 {
			Err.Fatalf("add failed (%d): %s", result.Err, result.Raw)
		}
		Out.Printf("added: %s", result.AddedID)
	})
	pump(session)
}

func del(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	session.Ref(path).Del(checked("del"))
	pump(session)
}

func list(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	session.Ref(path).List(checked("list"))
	pump(session)
}

func patch(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	field, _ := opts.String("<field>")
	session.Ref(path).Patch(field, parseJSONArg(opts), checked("patch"))
	pump(session)
}

func inc(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")
	field, _ := opts.String("<field>")
	deltaText, _ := opts.String("<delta>")
	delta, err := strconv.ParseFloat(deltaText, 64)
	if err != nil {
		Err.Fatalf("<delta>: %v", err)
	}
	session.Ref(path).Inc(field, delta, checked("inc"))
	pump(session)
}

func query(session *firestore.Session, opts docopt.Opts) {
	path, _ := opts.String("<path>")

	q := &firestore.Query{}
	if conds, ok := opts["--where"].([]string); ok {
		for _, cond := range conds {
			q.Conditions = append(q.Conditions, parseCondition(cond))
		}
	}
	if orderBy, err := opts.String("--order_by"); err == nil && orderBy != "" {
		direction := firestore.Ascending
		if desc, _ := opts.Bool("--desc"); desc {
			direction = firestore.Descending
		}
		q.OrderBy = []firestore.OrderBy{{Field: orderBy, Direction: direction}}
	}
	if limitText, err := opts.String("--limit"); err == nil && limitText != "" {
		limit, err := strconv.Atoi(limitText)
		if err != nil {
			Err.Fatalf("--limit: %v", err)
		}
		q.Limit = limit
	}

	session.Ref(path).Query(q, checked("query"))
	pump(session)
}

var conditionOps = []struct {
	token string
	op    firestore.Operator
}{
	{">=", firestore.GreaterThanOrEqual},
	{"<=", firestore.LessThanOrEqual},
	{"==", firestore.Equal},
	{"!=", firestore.NotEqual},
	{">", firestore.GreaterThan},
	{"<", firestore.LessThan},
}

// parseCondition splits "age>25" style expressions. Values parse as
// numbers or booleans when they can, strings otherwise.
func parseCondition(cond string) firestore.Condition {
	for _, c := range conditionOps {
		pos := strings.Index(cond, c.token)
		if pos <= 0 {
			continue
		}
		field := cond[:pos]
		text := cond[pos+len(c.token):]

		var value any = text
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			value = f
		} else if b, err := strconv.ParseBool(text); err == nil {
			value = b
		}
		return firestore.Condition{Field: field, Op: c.op, Value: value}
	}
	Err.Fatalf("cannot parse condition %q, expected field<op>value", cond)
	return firestore.Condition{}
}
