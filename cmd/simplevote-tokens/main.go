package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/jellypudding/simplevote"
	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "get", "add", "remove", "set":
		err = tokenCmd(os.Args[1], os.Args[2:])
	case "list":
		err = listCmd(os.Args[2:])
	case "key":
		err = keyCmd(os.Args[2:])
	case "sites":
		err = sitesCmd(os.Args[2:])
	case "-h", "-help", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `simplevote-tokens - Vote token administration

Usage:
  simplevote-tokens <command> [options] [args]

Commands:
  get <player>             Show a player's token balance
  add <player> <amount>    Give tokens to a player
  remove <player> <amount> Take tokens from a player
  set <player> <amount>    Set a player's balance
  list [n]                 Show the n largest balances (default 10)
  key                      Print the Votifier public key and port
  sites                    Print the configured voting sites

Every command accepts -config <file> and -data-dir <dir>.
`)
}

// commonFlags parses -config and -data-dir and returns the loaded config
// plus the remaining positional arguments.
func commonFlags(name string, args []string) (*simplevote.Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("SIMPLEVOTE_CONFIG"), "path to config.yml")
	dataDir := fs.String("data-dir", "", "directory holding keys and tokens.db")
	verbose := fs.Bool("verbose", false, "log debug stuff")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	cfg, err := simplevote.LoadConfig(*configPath)
	if err != nil {
		return nil, nil, err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	return cfg, fs.Args(), nil
}

func tokenCmd(cmd string, args []string) error {
	cfg, rest, err := commonFlags(cmd, args)
	if err != nil {
		return err
	}

	want := 2
	if cmd == "get" {
		want = 1
	}
	if len(rest) != want {
		printUsage()
		return fmt.Errorf("%s takes %d argument(s)", cmd, want)
	}
	player := rest[0]

	amount := 0
	if want == 2 {
		amount, err = strconv.Atoi(rest[1])
		if err != nil || amount < 0 {
			return fmt.Errorf("invalid amount %q", rest[1])
		}
	}

	ledger, err := simplevote.OpenLedger(cfg.DataDir)
	if err != nil {
		return err
	}
	defer ledger.Close()
	ctx := context.Background()

	switch cmd {
	case "get":
		fmt.Printf("%s has %d tokens.\n", player, ledger.Get(player))
	case "add":
		balance, err := ledger.Add(ctx, player, amount)
		if err != nil {
			return err
		}
		fmt.Printf("Added %d tokens to %s. New balance: %d\n", amount, player, balance)
	case "remove":
		ok, err := ledger.Remove(ctx, player, amount)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s doesn't have enough tokens (has %d)", player, ledger.Get(player))
		}
		fmt.Printf("Removed %d tokens from %s. New balance: %d\n", amount, player, ledger.Get(player))
	case "set":
		if err := ledger.Set(ctx, player, amount); err != nil {
			return err
		}
		fmt.Printf("Set %s's tokens to %d\n", player, amount)
	}
	return nil
}

func listCmd(args []string) error {
	cfg, rest, err := commonFlags("list", args)
	if err != nil {
		return err
	}
	n := 10
	if len(rest) > 0 {
		if n, err = strconv.Atoi(rest[0]); err != nil {
			return fmt.Errorf("invalid count %q", rest[0])
		}
	}

	ledger, err := simplevote.OpenLedger(cfg.DataDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	top, err := ledger.Top(context.Background(), n)
	if err != nil {
		return err
	}
	if len(top) == 0 {
		fmt.Println("Nobody has any tokens yet.")
		return nil
	}
	simplevote.PrintBalances(os.Stdout, top)
	return nil
}

func keyCmd(args []string) error {
	cfg, _, err := commonFlags("key", args)
	if err != nil {
		return err
	}
	if !cfg.Votifier.Enabled {
		return fmt.Errorf("votifier functionality is not enabled")
	}

	keys := keyring.New(cfg.DataDir)
	if err := keys.Initialize(); err != nil {
		return err
	}

	fmt.Println("=== SimpleVote Public Key ===")
	fmt.Println("Use this key when registering on voting sites:")
	fmt.Println(keys.PublicKeyPEM())
	fmt.Println()
	fmt.Println("Server Information:")
	fmt.Printf("Port: %d\n", cfg.Votifier.Port)
	fmt.Println("Make sure this port is open and forwarded to your server.")
	return nil
}

func sitesCmd(args []string) error {
	cfg, _, err := commonFlags("sites", args)
	if err != nil {
		return err
	}
	if len(cfg.VotingSites) == 0 {
		fmt.Println("No voting sites have been configured.")
		return nil
	}
	simplevote.PrintVotingSites(os.Stdout, cfg.VotingSites)
	return nil
}
