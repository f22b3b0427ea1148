package main

import (
	"fmt"
	"os"

	"coopcycle/config"
	"coopcycle/db"
	"coopcycle/db/memory"
	"coopcycle/db/migrations"
	"coopcycle/internal/coop"
	"coopcycle/pkg/log"

	"github.com/jmoiron/sqlx"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// app carries what every command needs once flags are parsed.
type app struct {
	conf *config.Config
	conn *sqlx.DB
	svc  *coop.Service
}

func setup(c *cli.Context) (*app, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := log.SetLevel(conf.Log.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	if c.Bool("memory") {
		log.L.Warn("using in-memory store; data is lost on exit")
		return &app{conf: conf, svc: coop.NewService(memory.New(), coop.WithLogger(log.L))}, nil
	}
	if conf.Postgres.Conn == "" {
		return nil, fmt.Errorf("POSTGRES_CONN env variable is not set")
	}
	conn, err := db.Connect(c.Context, conf.Postgres.Conn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(conf.Postgres.MaxOpenConns)
	return &app{conf: conf, conn: conn, svc: coop.NewService(db.NewStorage(conn), coop.WithLogger(log.L))}, nil
}

func (a *app) close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

// withApp wraps a command action with setup and teardown.
func withApp(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := setup(c)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(c, a)
	}
}

func cliActor(c *cli.Context) coop.Actor {
	return coop.Actor{UserID: c.Int64("actor"), Source: "cli"}
}

func main() {
	cycleFlag := &cli.Int64Flag{Name: "cycle", Usage: "cycle id", Required: true}
	actorFlag := &cli.Int64Flag{Name: "actor", Usage: "user id recorded as the actor"}

	cliApp := &cli.App{
		Name:  "coopcycle",
		Usage: "cycle allocation and settlement engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"COOPCYCLE_CONFIG"}},
			&cli.BoolFlag{Name: "memory", Usage: "use the in-memory store instead of Postgres"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the http server",
				Action: withApp(serve),
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "down", Usage: "roll back the latest migration"}},
				Action: withApp(func(c *cli.Context, a *app) error {
					if a.conn == nil {
						return fmt.Errorf("migrate needs Postgres")
					}
					if c.Bool("down") {
						return migrations.Down(a.conn.DB)
					}
					if err := migrations.Run(a.conn.DB); err != nil {
						return err
					}
					v, err := migrations.Version(a.conn.DB)
					if err != nil {
						return err
					}
					log.L.Info("migrations applied", zap.Int64("version", v))
					return nil
				}),
			},
			{
				Name:  "allocate",
				Usage: "run allocation for one cycle",
				Flags: []cli.Flag{cycleFlag, actorFlag},
				Action: withApp(func(c *cli.Context, a *app) error {
					res, err := a.svc.RunAllocation(c.Context, cliActor(c), c.Int64("cycle"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "run %s: bound %s, shortfall %s, leftover %s\n",
						res.RunID, res.TotalBound, res.TotalShortfall, res.TotalLeftover)
					return nil
				}),
			},
			{
				Name:  "settle",
				Usage: "generate settlements for a closed cycle",
				Flags: []cli.Flag{cycleFlag, actorFlag},
				Action: withApp(func(c *cli.Context, a *app) error {
					created, err := a.svc.GenerateSettlements(c.Context, cliActor(c), c.Int64("cycle"))
					if err != nil {
						return err
					}
					for _, st := range created {
						fmt.Fprintf(c.App.Writer, "%s\tuser %d\t%s\n", st.Type, st.UserID, st.TotalValue.StringFixed(2))
					}
					return nil
				}),
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.L.Fatal("command failed", zap.Error(err))
	}
}
