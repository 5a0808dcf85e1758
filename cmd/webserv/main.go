package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kfcemployee/webserv/server/config"
	"github.com/kfcemployee/webserv/server/db"
	"github.com/kfcemployee/webserv/server/engine"
	"github.com/kfcemployee/webserv/server/logx"
	"github.com/kfcemployee/webserv/server/metrics"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	lg := logx.New(logx.Options{
		Dir:      cfg.LogDir,
		Base:     "webserv",
		Async:    cfg.AsyncLog(),
		Disabled: cfg.LogOff(),
	})
	defer lg.Close()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DBPath, cfg.SQLConns)
	if err != nil {
		lg.Errorf("database: %v", err)
		return 1
	}
	defer pool.Close()

	users := db.NewUsers(pool, lg.SugaredLogger)
	if err := users.Load(ctx); err != nil {
		lg.Errorf("load users: %v", err)
		return 1
	}

	mset := metrics.New(lg.Dropped)

	srv, err := engine.NewServer(ctx, engine.Config{
		Port:      cfg.Port,
		Linger:    cfg.SoLinger(),
		ListenET:  cfg.ListenET(),
		ConnET:    cfg.ConnET(),
		Proactor:  cfg.Proactor(),
		Workers:   cfg.Workers,
		DocRoot:   cfg.Root,
		Users:     users,
		Log:       lg.SugaredLogger,
		OnConns:   mset.ObserveConns,
		OnStatus:  mset.ObserveStatus,
		OnTimeout: mset.TimeoutsTotal.Inc,
		OnJobDrop: mset.JobsDroppedTotal.Inc,
	})
	if err != nil {
		lg.Errorf("server: %v", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return srv.Run(gctx)
	})
	if cfg.Metrics != "" {
		g.Go(func() error { return mset.Serve(gctx, cfg.Metrics) })
	}

	if err := g.Wait(); err != nil {
		lg.Errorf("exit: %v", err)
		return 1
	}
	return 0
}
