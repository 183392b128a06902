package main

import (
	"context"
	"fmt"

	"github.com/redlineai/redline/pkg/config"
	"github.com/redlineai/redline/pkg/quota"
	"github.com/redlineai/redline/pkg/session"
)

// GrantCmd adds review credits against the configured SQL backend.
type GrantCmd struct {
	User    string `required:"" help:"User id to credit."`
	Credits int64  `default:"1" help:"Number of credits to add."`
}

func (c *GrantCmd) Run(cli *CLI) error {
	if c.Credits <= 0 {
		return fmt.Errorf("credits must be positive")
	}

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	sc, err := config.LoadStore()
	if err != nil {
		return err
	}
	if sc.Backend == "memory" {
		return fmt.Errorf("grant requires a SQL store backend (STORE_BACKEND=%s)", sc.Backend)
	}

	store, err := session.NewSQLStore(sc.Backend, sc.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	gate, err := quota.NewSQLGate(store.DB(), sc.Backend)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := gate.Grant(ctx, c.User, c.Credits); err != nil {
		return err
	}
	balance, err := gate.Balance(ctx, c.User)
	if err != nil {
		return err
	}
	fmt.Printf("granted %d credit(s) to %s (balance: %d)\n", c.Credits, c.User, balance)
	return nil
}
