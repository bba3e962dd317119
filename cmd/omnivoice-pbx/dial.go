package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agentplexus/omnivoice-pbx/dialer"
	"github.com/agentplexus/omnivoice-pbx/internal/config"
)

type dialOptions struct {
	to          []string
	file        string
	persona     string
	account     string
	campaign    string
	concurrency int
}

func runDial(ctx context.Context, configPath string, opts dialOptions, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	reqs, err := dialRequests(opts)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return errors.New("nothing to dial: pass --to or --file")
	}

	personas, err := loadPersonas(cfg, logger)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sig, err := newSignaling(cfg, nil, logger)
	if err != nil {
		return err
	}
	d, err := newDialer(cfg, sig, st, personas, nil, logger)
	if err != nil {
		return err
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Dial.Concurrency
	}

	failed := 0
	for _, res := range d.DialBatch(ctx, reqs, concurrency) {
		if res.Err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%s\tfailed\t%d\t%v\n", res.Request.To, res.Attempts, res.Err)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%d\n", res.Request.To, res.CallID, res.Attempts)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, len(reqs))
	}
	return nil
}

// dialRequests builds requests from --to flags and the --file CSV. Blank
// CSV fields fall back to the flag values; a header row starting with "to"
// is skipped.
func dialRequests(opts dialOptions) ([]dialer.DialRequest, error) {
	base := dialer.DialRequest{
		PersonaID:  opts.persona,
		AccountID:  opts.account,
		CampaignID: opts.campaign,
	}

	var reqs []dialer.DialRequest
	for _, to := range opts.to {
		req := base
		req.To = strings.TrimSpace(to)
		reqs = append(reqs, req)
	}

	if opts.file == "" {
		return reqs, nil
	}
	f, err := os.Open(opts.file)
	if err != nil {
		return nil, fmt.Errorf("open dial file: %w", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := parseDialCSV(f, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.file, err)
	}
	return append(reqs, rows...), nil
}

func parseDialCSV(r io.Reader, base dialer.DialRequest) ([]dialer.DialRequest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var reqs []dialer.DialRequest
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return reqs, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "to") {
			continue
		}

		req := base
		fields := []*string{&req.To, &req.PersonaID, &req.AccountID, &req.CampaignID}
		for i, v := range row {
			if i >= len(fields) {
				break
			}
			if v = strings.TrimSpace(v); v != "" {
				*fields[i] = v
			}
		}
		if req.To == "" {
			return nil, fmt.Errorf("line %d: destination is empty", line)
		}
		reqs = append(reqs, req)
	}
}
