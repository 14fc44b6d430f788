package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/h2wire/h2wire/conn"
)

type CallCommand struct {
	Addr      string   `arg:"" required:"" help:"host:port of the h2c server."`
	Path      string   `default:"/" help:"Request path."`
	Method    string   `default:"GET" help:"Request method."`
	Authority string   `help:"Value of the :authority pseudo-header; defaults to the address."`
	Header    []string `short:"H" help:"Extra header as name:value. Repeatable."`

	BodyFile  *os.File `help:"Request body file; switches the default method to POST."`
	ChunkSize int      `default:"16384" help:"Body bytes sent per data chunk."`
	Count     int      `default:"1" help:"Number of concurrent requests."`

	Timeout         time.Duration `default:"30s" help:"Per-request response timeout."`
	MaxResponseSize string        `default:"64MiB" help:"Response size ceiling (accepts 4MiB, 100KB...)."`

	Verbose bool `help:"Verbose output."`
}

func (c *CallCommand) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxResponse, err := humanize.ParseBytes(c.MaxResponseSize)
	if err != nil {
		return fmt.Errorf("parsing max response size: %w", err)
	}

	var body []byte
	if c.BodyFile != nil {
		body, err = io.ReadAll(c.BodyFile)
		if err != nil {
			return fmt.Errorf("reading body file: %w", err)
		}
		if c.Method == "GET" {
			c.Method = "POST"
		}
	}

	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	nc, err := (&net.Dialer{Timeout: c.Timeout}).DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.Addr, err)
	}

	cl, err := conn.New(nc, conn.Config{
		MaxInboundMessageBytes: int64(maxResponse),
		ResponseTimeout:        c.Timeout,
	}, log)
	if err != nil {
		return fmt.Errorf("connection setup: %w", err)
	}
	defer cl.Close() //nolint:errcheck

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cl.Run(ctx) })

	reqs, reqCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.Count; i++ {
		i := i
		reqs.Go(func() error { return c.request(reqCtx, cl, i, body) })
	}
	if err := reqs.Wait(); err != nil {
		return err
	}

	if err := cl.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	cancel()
	return g.Wait()
}

func (c *CallCommand) request(ctx context.Context, cl *conn.Conn, i int, body []byte) error {
	fields, err := c.fields()
	if err != nil {
		return err
	}

	begin := time.Now()
	h, err := cl.OpenStream(fields, len(body) == 0)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}

	for off := 0; off < len(body); off += c.ChunkSize {
		end := off + c.ChunkSize
		if end > len(body) {
			end = len(body)
		}
		last := end == len(body)
		wc := cl.Send(h, cl.Buffers().Copy(body[off:end]), last)
		if last {
			if err := wc.Wait(ctx); err != nil {
				return fmt.Errorf("sending body: %w", err)
			}
		}
	}

	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("request %d: %w", i, err)
	}

	respBody := h.ResponseBody()
	fmt.Fprintf(os.Stderr, "#%d %s %s in %s\n",
		i, statusOf(h.ResponseFields()),
		humanize.IBytes(uint64(len(respBody))),
		time.Since(begin).Round(time.Microsecond))
	if c.Count == 1 {
		//nolint:errcheck
		os.Stdout.Write(respBody)
	}
	return nil
}

// fields assembles the header block: pseudo-headers first, then the extra
// headers in the order given.
func (c *CallCommand) fields() ([]hpack.HeaderField, error) {
	authority := c.Authority
	if authority == "" {
		authority = c.Addr
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: c.Method},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: c.Path},
		{Name: ":authority", Value: authority},
	}
	for _, raw := range c.Header {
		name, value, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q: want name:value", raw)
		}
		fields = append(fields, hpack.HeaderField{
			Name:  strings.ToLower(strings.TrimSpace(name)),
			Value: strings.TrimSpace(value),
		})
	}
	return fields, nil
}

func statusOf(fields []hpack.HeaderField) string {
	for _, f := range fields {
		if f.Name == ":status" {
			return f.Value
		}
	}
	return "???"
}
