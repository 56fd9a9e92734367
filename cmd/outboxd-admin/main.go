// Command outboxd-admin is the operator's front end to the outbox
// administrative surface: it connects to the same Postgres the dispatcher
// runs against and deletes records by status, or by key and status.
//
// Usage:
//
//	outboxd-admin purge --dsn postgres://... --status FAILED
//	outboxd-admin purge --dsn postgres://... --status COMPLETED --key order-42
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"oss.nandlabs.io/golly/cli"
	"oss.nandlabs.io/outboxd/admin"
	"oss.nandlabs.io/outboxd/config"
	"oss.nandlabs.io/outboxd/storepg"
)

const version = "v0.1.0"

func main() {
	app := cli.NewCLI()
	app.AddVersion(version)

	purge := cli.NewCommand("purge", "delete outbox records by status, optionally narrowed to one key", version, runPurge)
	purge.Flags = append(purge.Flags,
		&cli.Flag{Name: "dsn", Usage: "Postgres connection string", Aliases: []string{"-d", "--dsn"}, Default: ""},
		&cli.Flag{Name: "status", Usage: "record status to delete: NEW, COMPLETED or FAILED", Aliases: []string{"-s", "--status"}, Default: ""},
		&cli.Flag{Name: "key", Usage: "limit the purge to a single outbox key", Aliases: []string{"-k", "--key"}, Default: ""},
		&cli.Flag{Name: "table-prefix", Usage: "outbox table prefix", Aliases: []string{"--table-prefix"}, Default: "outbox_"},
	)
	app.AddCommand(purge)

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPurge(ctx *cli.Context) error {
	dsn, _ := ctx.GetFlag("dsn")
	if dsn == "" {
		return errors.New("outboxd-admin: --dsn is required")
	}
	statusName, _ := ctx.GetFlag("status")
	status, err := admin.ParseStatus(statusName)
	if err != nil {
		return err
	}
	prefix, _ := ctx.GetFlag("table-prefix")

	db, err := storepg.Open(context.Background(), dsn, config.SchemaConfig{TablePrefix: prefix})
	if err != nil {
		return err
	}
	defer db.Close()

	svc := admin.New(storepg.NewRecordStore(db))

	key, _ := ctx.GetFlag("key")
	var deleted int64
	if key != "" {
		deleted, err = svc.DeleteByKeyAndStatus(context.Background(), key, status)
	} else {
		deleted, err = svc.DeleteByStatus(context.Background(), status)
	}
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d record(s)\n", deleted)
	return nil
}
