package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zot/livequery/internal/config"
	"github.com/zot/livequery/internal/query"
	liveclient "github.com/zot/livequery/lib/go"
)

// repeated collects a flag given several times.
type repeated []string

func (r *repeated) String() string     { return strings.Join(*r, ",") }
func (r *repeated) Set(v string) error { *r = append(*r, v); return nil }

// comparisons maps --where operators to query operators, longest first.
var comparisons = []struct {
	token string
	op    query.Op
}{
	{"!=", query.OpNe},
	{">=", query.OpGte},
	{"<=", query.OpLte},
	{"~=", query.OpContains},
	{"=", query.OpEq},
	{">", query.OpGt},
	{"<", query.OpLt},
}

// parseCondition parses field<op>value. Values are JSON when they parse as
// JSON and strings otherwise.
func parseCondition(s string) (query.Condition, error) {
	best := -1
	var cond query.Condition
	for _, cmp := range comparisons {
		i := strings.Index(s, cmp.token)
		if i <= 0 || (best >= 0 && i >= best) {
			continue
		}
		best = i
		cond = query.Condition{Field: s[:i], Op: cmp.op}
		raw := s[i+len(cmp.token):]
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		cond.Value = v
	}
	if best < 0 {
		return cond, fmt.Errorf("bad condition %q, want field=value", s)
	}
	return cond, nil
}

// buildQuery assembles the watched query from command-line parts.
func buildQuery(entity string, where, sort []string, script string) (query.Query, error) {
	q := query.New(entity)
	for _, w := range where {
		cond, err := parseCondition(w)
		if err != nil {
			return q, err
		}
		q = q.WhereOp(cond.Field, cond.Op, cond.Value)
	}
	for _, s := range sort {
		field, desc := strings.CutPrefix(s, "-")
		q = q.OrderBy(field, desc)
	}
	if script != "" {
		q = q.WhereScript(script)
	}
	return q, q.Validate()
}

func runWatch(args []string) int {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", cfg.Client.URL, "Server URL")
	token := fs.String("token", "", "Bearer token")
	clientID := fs.String("client-id", "", "Client id")
	script := fs.String("script", "", "Lua filter expression")
	key := fs.String("key", "", "Key fields, comma separated")
	var where, sort repeated
	fs.Var(&where, "where", "Condition field=value, repeatable")
	fs.Var(&sort, "sort", "Sort field, - prefix for descending, repeatable")

	// The entity may come before or after the flags.
	var entity string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		entity, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if entity == "" && fs.NArg() > 0 {
		entity = fs.Arg(0)
	}
	if entity == "" {
		fmt.Fprintln(os.Stderr, "Usage: livequery watch <entity> [--where field=value] [--sort field]")
		return 1
	}

	q, err := buildQuery(entity, where, sort, *script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	opts := liveclient.Options{
		URL:       *url,
		ClientID:  *clientID,
		Token:     *token,
		KeepAlive: cfg.Client.KeepAlive.Duration(),
		Log:       cfg.Log,
	}
	if *key != "" {
		opts.KeyFields = map[string][]string{entity: strings.Split(*key, ",")}
	}
	client := liveclient.New(opts)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	unsubscribe, err := client.Subscribe(ctx, q, func(items []liveclient.Item) {
		if err := enc.Encode(items); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer unsubscribe()

	<-ctx.Done()
	return 0
}
