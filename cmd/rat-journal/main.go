// Command rat-journal inspects a stopped router's journal, exporting
// page contents as gzip-compressed NDJSON for debugging.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/irdest/ratman/pkg/journal"
)

var opt struct {
	State  string
	Output string
	Help   bool
}

func init() {
	pflag.StringVarP(&opt.State, "state", "s", "", "State directory of the (stopped) router")
	pflag.StringVarP(&opt.Output, "output", "o", "-", "Output file (NDJSON, gzip-compressed unless -)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

type record struct {
	Page  string `json:"page"`
	Key   string `json:"key"`
	Value string `json:"value_b64"`
	Size  int    `json:"size"`
}

func main() {
	pflag.Parse()
	if opt.Help || opt.State == "" {
		fmt.Printf("usage: %s -s state_dir [-o out.ndjson.gz]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	j, err := journal.Open(filepath.Join(opt.State, "journal"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open journal: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	var out *json.Encoder
	if opt.Output == "-" {
		out = json.NewEncoder(os.Stdout)
	} else {
		f, err := os.Create(opt.Output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		zw := gzip.NewWriter(f)
		defer zw.Close()
		out = json.NewEncoder(zw)
	}

	ctx := context.Background()
	for name, page := range map[string]*journal.Page{
		"blocks":    j.Blocks,
		"frames":    j.Frames,
		"manifests": j.Manifests,
		"routes":    j.Routes,
	} {
		err := page.Each(ctx, func(key string, value []byte) bool {
			rec := record{
				Page:  name,
				Key:   key,
				Value: base64.StdEncoding.EncodeToString(value),
				Size:  len(value),
			}
			if err := out.Encode(rec); err != nil {
				fmt.Fprintf(os.Stderr, "error: write record: %v\n", err)
				os.Exit(1)
			}
			return true
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: scan page %s: %v\n", name, err)
			os.Exit(1)
		}
	}
}
