package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/akupila/ephemeral"
)

type fixtureSummary struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func summarize(id string, f *ephemeral.Fixture) fixtureSummary {
	s := fixtureSummary{
		ID:        id,
		Method:    strings.ToUpper(f.Request.Method),
		URL:       f.URL.String(),
		CreatedAt: f.CreatedAt,
	}
	if f.Response != nil {
		s.Status = f.Response.StatusCode
	}
	return s
}

func sortedSummaries(fixtures map[string]*ephemeral.Fixture) []fixtureSummary {
	out := make([]fixtureSummary, 0, len(fixtures))
	for id, f := range fixtures {
		out = append(out, summarize(id, f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Method < out[j].Method
	})
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the fixtures of the fixture set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := o.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			fixtures, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			summaries := sortedSummaries(fixtures)
			if o.json {
				return writeJSON(o.out, summaries)
			}

			tw := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMETHOD\tURL\tSTATUS\tAGE")
			for _, s := range summaries {
				age := time.Since(s.CreatedAt).Round(time.Second)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID[:12], s.Method, s.URL, s.Status, age)
			}
			return tw.Flush()
		},
	}
}

func newShowCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a fixture; ID may be a unique prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := o.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			fixtures, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			var matches []string
			for id := range fixtures {
				if strings.HasPrefix(id, args[0]) {
					matches = append(matches, id)
				}
			}
			switch len(matches) {
			case 0:
				return fmt.Errorf("no fixture %q in set %q", args[0], o.cfg.FixtureSet)
			case 1:
			default:
				return fmt.Errorf("fixture id %q is ambiguous", args[0])
			}

			f := fixtures[matches[0]]
			if o.json {
				return writeJSON(o.out, struct {
					fixtureSummary
					Request  *ephemeral.Request  `json:"request"`
					Response *ephemeral.Response `json:"response"`
				}{summarize(matches[0], f), f.Request, f.Response})
			}

			s := summarize(matches[0], f)
			fmt.Fprintf(o.out, "id:         %s\n", s.ID)
			fmt.Fprintf(o.out, "request:    %s %s\n", s.Method, s.URL)
			fmt.Fprintf(o.out, "status:     %d\n", s.Status)
			fmt.Fprintf(o.out, "created_at: %s\n", s.CreatedAt.Format(time.RFC3339))
			if f.Response != nil && f.Response.Body != "" {
				fmt.Fprintf(o.out, "\n%s\n", f.Response.Body)
			}
			return nil
		},
	}
}

func newPruneCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired fixtures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := o.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			expired, err := store.Prune(cmd.Context())
			if err != nil {
				return err
			}
			if expired == nil {
				expired = []string{}
			}
			if o.json {
				return writeJSON(o.out, map[string]interface{}{"pruned": expired, "skipped": len(store.LoadErrors())})
			}
			fmt.Fprintf(o.out, "pruned %d fixture(s)\n", len(expired))
			for _, lerr := range store.LoadErrors() {
				fmt.Fprintf(o.errOut, "skipped %s: %v\n", lerr.Key, lerr.Err)
			}
			return nil
		},
	}
}

func newClearCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every fixture of the fixture set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := o.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(o.out, "cleared fixture set %q\n", o.cfg.FixtureSet)
			return nil
		},
	}
}

func newFingerprintCmd(o *options) *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "fingerprint METHOD URL",
		Short: "Print the fixture identifier of a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[1])
			if err != nil {
				return err
			}
			req := &ephemeral.Request{Method: args[0], Body: body}
			if o.json {
				return writeJSON(o.out, map[string]string{
					"id":     ephemeral.Identifier(u, req),
					"target": ephemeral.TargetIdentity(u),
				})
			}
			fmt.Fprintln(o.out, ephemeral.Identifier(u, req))
			return nil
		},
	}
	cmd.Flags().StringVarP(&body, "data", "d", "", "request body")
	return cmd
}

func newFetchCmd(o *options) *cobra.Command {
	var (
		method  string
		body    string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Perform a request through the fixtures, recording it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := o.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			t := &ephemeral.Transport{Store: store, Real: ephemeral.NewRealTransport()}
			if err := t.Activate(cmd.Context()); err != nil {
				return err
			}
			defer t.Deactivate()

			req, err := http.NewRequestWithContext(cmd.Context(), method, args[0], strings.NewReader(body))
			if err != nil {
				return err
			}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, want Name: value", h)
				}
				req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}

			resp, err := (&http.Client{Transport: t}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if _, err := io.Copy(o.out, resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("%s %s: %s", method, args[0], resp.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&method, "request", "X", http.MethodGet, "request method")
	f.StringVarP(&body, "data", "d", "", "request body")
	f.StringArrayVarP(&headers, "header", "H", nil, "request header, e.g. 'Accept: text/plain'")
	return cmd
}
