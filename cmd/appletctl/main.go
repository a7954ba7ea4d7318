package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/bundler"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/version"
	apiclient "github.com/Zipper-Inc/zipper-functions-sub004/pkg/api/client"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/callback"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "version":
		err = commandVersion(args)
	case "bundle":
		err = commandBundle(args)
	case "sign":
		err = commandSign(args)
	case "storage":
		err = commandStorage(args)
	case "secret":
		err = commandSecret(args)
	case "deploy":
		err = commandDeploy(args)
	case "pull":
		err = commandPull(args)
	case "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	path := fs.String("manifest", defaultManifest, "Path to applet.yaml")
	fs.Parse(args)

	applet, err := loadApplet(*path)
	if err != nil {
		return err
	}
	full, short := version.ForApplet(applet)
	fmt.Printf("%s@%s\t%s\n", applet.ID, short, full)
	return nil
}

func commandBundle(args []string) error {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	path := fs.String("manifest", defaultManifest, "Path to applet.yaml")
	out := fs.String("out", "", "Output file (default {id}@{version}.bundle)")
	appletBase := fs.String("applet-base", config.GetString("APPLET_BASE_URL", "https://applets.zipper.local"), "Base URL for tenant specifiers")
	frameworkBase := fs.String("framework-base", config.GetString("FRAMEWORK_BASE_URL", "https://framework.zipper.local/"), "Base URL for framework specifiers")
	timeout := fs.Duration("timeout", 2*time.Minute, "Build timeout")
	verbose := fs.Bool("verbose", false, "Log resolved modules")
	fs.Parse(args)

	applet, err := loadApplet(*path)
	if err != nil {
		return err
	}
	full, short := version.ForApplet(applet)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.New("appletctl", level)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	bc := resolver.NewBuildContext(applet, short, *appletBase, *frameworkBase)
	cache := bundler.NewCache(resolver.New(resolver.Options{HTTPClient: &http.Client{}, Logger: log}))
	observer := bundler.ObserverFunc(func(e bundler.Event) {
		if e.Type == bundler.EventModuleExternal {
			fmt.Fprintf(os.Stderr, "warning: unresolved import %s\n", e.Specifier)
		}
	})
	bundle, err := bundler.New(log).Build(ctx, bc.Roots(), bc, cache, bundler.WithObserver(observer))
	if err != nil {
		return err
	}
	bundle.VersionHash = full

	payload, digest, err := bundler.Encode(bundle)
	if err != nil {
		return err
	}
	target := strings.TrimSpace(*out)
	if target == "" {
		target = fmt.Sprintf("%s@%s.bundle", applet.ID, short)
	}
	if err := os.WriteFile(target, payload, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d modules, %d bytes, digest %s)\n", target, len(bundle.Modules), len(payload), digest)
	return nil
}

func commandSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	method := fs.String("method", http.MethodGet, "HTTP method")
	uri := fs.String("url", "", "Request URI as the relay sees it, e.g. /app/{id}/storage?key=k")
	body := fs.String("body", "", "Request body (use @file to read from a file)")
	fs.Parse(args)

	if strings.TrimSpace(*uri) == "" {
		return errors.New("--url is required")
	}
	payload, err := readBody(*body)
	if err != nil {
		return err
	}
	secret, err := signingSecret()
	if err != nil {
		return err
	}
	timestamp := callback.Timestamp(time.Now())
	signature := callback.Sign(strings.ToUpper(*method), *uri, payload, timestamp, secret)
	fmt.Printf("%s: %s\n", callback.HeaderTimestamp, timestamp)
	fmt.Printf("%s: %s\n", callback.HeaderSignature, signature)
	return nil
}

func readBody(value string) ([]byte, error) {
	if !strings.HasPrefix(value, "@") {
		return []byte(value), nil
	}
	name := strings.TrimPrefix(value, "@")
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

// signingSecret reads HMAC_SIGNING_SECRET, prompting on the terminal when it
// is unset.
func signingSecret() ([]byte, error) {
	if secret := strings.TrimSpace(os.Getenv("HMAC_SIGNING_SECRET")); secret != "" {
		return []byte(secret), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("HMAC_SIGNING_SECRET is not set")
	}
	fmt.Fprint(os.Stderr, "Signing secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	return secret, nil
}

func commandStorage(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: appletctl storage [get|set|delete]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("storage "+sub, flag.ExitOnError)
	relay := fs.String("relay", config.GetString("RPC_ROOT", "http://localhost:4000"), "Relay rpc root")
	appletID := fs.String("app", "", "Applet identifier")
	key := fs.String("key", "", "Storage key")
	value := fs.String("value", "", "JSON value for set")
	fs.Parse(args[1:])

	if strings.TrimSpace(*appletID) == "" {
		return errors.New("--app is required")
	}
	secret, err := signingSecret()
	if err != nil {
		return err
	}
	client, err := callback.NewClient(*relay, secret, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch sub {
	case "get":
		if strings.TrimSpace(*key) == "" {
			values, err := client.GetStorage(ctx, *appletID)
			if err != nil {
				return err
			}
			return printJSON(values)
		}
		value, err := client.GetStorageKey(ctx, *appletID, *key)
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	case "set":
		if strings.TrimSpace(*key) == "" {
			return errors.New("--key is required")
		}
		raw := json.RawMessage(*value)
		if !json.Valid(raw) {
			return errors.New("--value must be valid JSON")
		}
		if err := client.SetStorage(ctx, *appletID, *key, raw); err != nil {
			return err
		}
		fmt.Println("stored")
		return nil
	case "delete":
		if err := client.DeleteStorage(ctx, *appletID, *key); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	default:
		return fmt.Errorf("unknown storage command: %s", sub)
	}
}

func commandSecret(args []string) error {
	fs := flag.NewFlagSet("secret", flag.ExitOnError)
	relay := fs.String("relay", config.GetString("RPC_ROOT", "http://localhost:4000"), "Relay rpc root")
	appletID := fs.String("app", "", "Applet identifier")
	key := fs.String("key", "", "Secret name")
	value := fs.String("value", "", "Secret value (prompted when empty)")
	fs.Parse(args)

	if strings.TrimSpace(*appletID) == "" || strings.TrimSpace(*key) == "" {
		return errors.New("--app and --key are required")
	}
	plain := *value
	if plain == "" {
		fmt.Fprint(os.Stderr, "Secret value: ")
		read, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprint(os.Stderr, "\n")
		if err != nil {
			return fmt.Errorf("read secret value: %w", err)
		}
		plain = string(read)
	}
	secret, err := signingSecret()
	if err != nil {
		return err
	}
	client, err := callback.NewClient(*relay, secret, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.SetSecret(ctx, *appletID, *key, plain); err != nil {
		return err
	}
	fmt.Println("secret stored")
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	builder := fs.String("builder", config.GetString("BUILDER_URL", "http://localhost:5000"), "Builder base URL")
	appletID := fs.String("app", "", "Applet identifier")
	fs.Parse(args)

	if strings.TrimSpace(*appletID) == "" {
		return errors.New("--app is required")
	}
	client, err := apiclient.New(*builder, os.Getenv("BUILDER_AUTH_TOKEN"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := client.Build(ctx, *appletID)
	if err != nil {
		return err
	}
	state := "built"
	if result.Cached {
		state = "unchanged"
	}
	fmt.Printf("%s %s (%d modules, digest %s)\n", result.DeploymentID, state, result.ModuleCount, result.Digest)
	return nil
}

func commandPull(args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	builder := fs.String("builder", config.GetString("BUILDER_URL", "http://localhost:5000"), "Builder base URL")
	appletID := fs.String("app", "", "Applet identifier")
	ver := fs.String("version", "", "Short version")
	fs.Parse(args)

	if strings.TrimSpace(*appletID) == "" || strings.TrimSpace(*ver) == "" {
		return errors.New("--app and --version are required")
	}
	client, err := apiclient.New(*builder, os.Getenv("BUILDER_AUTH_TOKEN"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bundle, err := client.Bundle(ctx, *appletID, *ver)
	if err != nil {
		return err
	}
	for _, mod := range bundle.Modules {
		fmt.Printf("%s\t%s\t%d\n", mod.Specifier, mod.Kind, len(mod.Content))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Printf("appletctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	appletctl version [--manifest applet.yaml]
	appletctl bundle [--manifest applet.yaml] [--out file] [--verbose]
	appletctl sign --url /app/<id>/storage [--method GET] [--body json|@file]
	appletctl storage get|set|delete --app <id> [--key k] [--value json] [--relay url]
	appletctl secret --app <id> --key NAME [--value v] [--relay url]
	appletctl deploy --app <id> [--builder url]
	appletctl pull --app <id> --version <short> [--builder url]
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
