package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Call CallCommand       `cmd:"" help:"Perform HTTP/2 requests over a cleartext connection."`
	Man  mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`h2c client multiplexing requests over one connection

Opens a single HTTP/2 cleartext connection and drives one or more
concurrent streams over it, reporting status codes and response sizes.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
