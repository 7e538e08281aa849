package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/gophmsn/internal/admin"
	"github.com/dmitrijs2005/gophmsn/internal/flagx"
	"github.com/dmitrijs2005/gophmsn/internal/logging"
	"github.com/dmitrijs2005/gophmsn/internal/server/config"
	"github.com/dmitrijs2005/gophmsn/internal/server/contactdb"
	"github.com/dmitrijs2005/gophmsn/internal/server/repositories/repomanager"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	cfg, err := config.LoadConfig(args)
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	st, err := repomanager.Open(ctx, cfg)
	if err != nil {
		log.Printf("store init error: %v", err)
		return 1
	}
	defer st.Close()

	db, err := contactdb.NewStore(ctx, st, logging.NewJSONLogger(os.Stderr, cfg.Debug), cfg.ProvisionDomains)
	if err != nil {
		log.Printf("%v", err)
		return 1
	}

	app := admin.NewApp(db, st, os.Stdin, os.Stdout)
	cmd := flagx.Positional(args, []string{"-D"})
	if len(cmd) == 0 {
		app.Root(ctx)
		return 0
	}
	if err := app.Exec(ctx, cmd); err != nil {
		log.Printf("%v", err)
		return 1
	}
	return 0
}
