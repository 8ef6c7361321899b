package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"psss-processing-go/internal/client"
	"psss-processing-go/internal/output"
	"psss-processing-go/internal/types"
	"psss-processing-go/internal/wire"
)

const usage = `usage: psss-client [flags] <command> [args]

commands:
  start | stop | status | statistics
  roi [offset_x size_x offset_y size_y | clear]
  parameters ['{"rotation": 1.5}']
  image <file.png> [query]
  tail <endpoint>    print published results
`

func main() {
	var (
		address  = flag.String("address", "http://localhost:12000", "Address of the processing service")
		encoding = flag.String("encoding", "cbor", "Encoding of the result stream, for tail")
		limit    = flag.Int("limit", 0, "Stop tail after this many messages")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c := client.New(*address)
	args := flag.Args()[1:]

	var err error
	switch flag.Arg(0) {
	case "start":
		err = printStatus(c.Start(ctx))
	case "stop":
		err = printStatus(c.Stop(ctx))
	case "status":
		var status, lastErr string
		status, lastErr, err = c.Status(ctx)
		if err == nil {
			fmt.Println(status)
			if lastErr != "" {
				fmt.Println("last error:", lastErr)
			}
		}
	case "statistics":
		var stats map[string]any
		if stats, err = c.Statistics(ctx); err == nil {
			err = printJSON(stats)
		}
	case "roi":
		err = roi(ctx, c, args)
	case "parameters":
		err = parameters(ctx, c, args)
	case "image":
		err = image(ctx, c, args)
	case "tail":
		err = tail(args, *encoding, *limit)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printStatus(status string, err error) error {
	if err == nil {
		fmt.Println(status)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func roi(ctx context.Context, c *client.Client, args []string) error {
	var (
		current []int
		err     error
	)
	switch {
	case len(args) == 0:
		current, err = c.ROI(ctx)
	case len(args) == 1 && args[0] == "clear":
		current, err = c.SetROI(ctx, nil)
	case len(args) == 4:
		values := make([]int, 4)
		for i, arg := range args {
			if values[i], err = strconv.Atoi(arg); err != nil {
				return fmt.Errorf("roi element %d: %w", i, err)
			}
		}
		current, err = c.SetROI(ctx, values)
	default:
		return fmt.Errorf("roi takes 0 or 4 values, or clear")
	}
	if err != nil {
		return err
	}
	return printJSON(current)
}

func parameters(ctx context.Context, c *client.Client, args []string) error {
	var (
		params types.Parameters
		err    error
	)
	if len(args) == 0 {
		params, err = c.Parameters(ctx)
	} else {
		var update types.ParameterUpdate
		dec := json.NewDecoder(strings.NewReader(strings.Join(args, " ")))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&update); err != nil {
			return fmt.Errorf("parse parameters: %w", err)
		}
		params, err = c.SetParameters(ctx, update)
	}
	if err != nil {
		return err
	}
	return printJSON(params)
}

func image(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("image needs an output file")
	}
	query := ""
	if len(args) > 1 {
		query = args[1]
	}
	data, err := c.Image(ctx, query)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%s)\n", args[0], humanize.Bytes(uint64(len(data))))
	return nil
}

func tail(args []string, encodingName string, limit int) error {
	if len(args) != 1 {
		return fmt.Errorf("tail needs the result stream endpoint")
	}
	enc, err := wire.ParseEncoding(encodingName)
	if err != nil {
		return err
	}
	r, err := output.DialReceiver(args[0], enc, time.Second)
	if err != nil {
		return err
	}
	defer r.Close()

	for n := 0; limit == 0 || n < limit; {
		msg, err := r.Receive()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		n++
		fields := make([]string, 0, len(msg.Data))
		for name := range msg.Data {
			fields = append(fields, name)
		}
		fmt.Printf("pulse %d: %d fields %v\n", msg.PulseID, len(fields), fields)
	}
	return nil
}
