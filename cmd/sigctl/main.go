// Command sigctl queries and drives a signalhub primary over its HTTP API.
//
// Usage:
//
//	sigctl [-primary URL] <command> [args]
//
// Commands:
//
//	status <username>             is the user registered
//	users                         registered users per group
//	groups [name]                 live groups, or one group
//	join <username> <group>       add a user to a group
//	leave <username> <group>      remove a user from a group
//	register <conn-id> <username> bind a username to a connection
//	deregister <conn-id> <username>
//	workers                       attached workers and their health
//	context                       full debug snapshot
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dreamware/signalhub/internal/cluster"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "sigctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sigctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	primaryURL := fs.String("primary", getenv("SIGNALHUB_PRIMARY_ADDR", "http://127.0.0.1:9191"), "primary base URL")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: sigctl [-primary URL] <status|users|groups|join|leave|register|deregister|workers|context> [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := cluster.NewClient(*primaryURL)

	need := func(n int) error {
		if len(rest)-1 != n {
			fs.Usage()
			return errUsage
		}
		return nil
	}

	var (
		out any
		err error
	)
	switch cmd := rest[0]; cmd {
	case "status":
		if err := need(1); err != nil {
			return err
		}
		var online bool
		online, err = client.UserStatus(ctx, rest[1])
		out = cluster.UserStatusResponse{Status: online}
	case "users":
		out, err = client.ActiveUsers(ctx)
	case "groups":
		name := ""
		if len(rest) > 1 {
			name = rest[1]
		}
		out, err = client.ActiveGroups(ctx, name)
	case "join", "leave":
		if err := need(2); err != nil {
			return err
		}
		out, err = client.RegisterGroup(ctx, cluster.GroupRegisterRequest{
			Username:     rest[1],
			GroupName:    rest[2],
			NeedRegister: cmd == "join",
		})
	case "register", "deregister":
		if err := need(2); err != nil {
			return err
		}
		out, err = client.RegisterUser(ctx, rest[1], cluster.UserRegisterRequest{
			Username:     rest[2],
			NeedRegister: cmd == "register",
		})
	case "workers":
		out, err = client.Workers(ctx)
	case "context":
		out, err = client.Context(ctx)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return errUsage
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
