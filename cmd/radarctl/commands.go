package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
	"github.com/couchcryptid/storm-radar-service/internal/stations"
)

const defaultServiceURL = "http://localhost:8080"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "radarctl",
		Short:         "Inspect radar stations and drive the radar service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("addr", defaultServiceURL, "base URL of the radar service")
	root.PersistentFlags().Duration("timeout", 10*time.Minute, "request timeout")

	root.AddCommand(newStationsCmd(), newIngestCmd(), newScansCmd(), newRecordsCmd())
	return root
}

func newStationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Query the radar station catalog",
	}

	nearby := &cobra.Command{
		Use:   "nearby",
		Short: "List stations within a radius of a point, closest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			radius, _ := cmd.Flags().GetFloat64("radius")
			file, _ := cmd.Flags().GetString("catalog")

			idx, err := openCatalog(file)
			if err != nil {
				return err
			}
			matches, err := idx.Nearest(lat, lon, radius)
			if err != nil {
				return err
			}

			t := tablewriter.NewTable(cmd.OutOrStdout())
			t.Header([]string{"Station", "Name", "Latitude", "Longitude", "Distance (km)"})
			for _, m := range matches {
				if err := t.Append([]string{
					m.Station.ID,
					m.Station.Name,
					strconv.FormatFloat(m.Station.Latitude, 'f', 4, 64),
					strconv.FormatFloat(m.Station.Longitude, 'f', 4, 64),
					strconv.FormatFloat(m.DistanceKm, 'f', 1, 64),
				}); err != nil {
					return err
				}
			}
			return t.Render()
		},
	}
	nearby.Flags().Float64("lat", 0, "latitude in degrees")
	nearby.Flags().Float64("lon", 0, "longitude in degrees")
	nearby.Flags().Float64("radius", 200, "search radius in kilometres")
	nearby.Flags().String("catalog", "", "station CSV to use instead of the built-in catalog")
	_ = nearby.MarkFlagRequired("lat")
	_ = nearby.MarkFlagRequired("lon")

	cmd.AddCommand(nearby)
	return cmd
}

func openCatalog(path string) (*stations.Index, error) {
	if path != "" {
		return stations.LoadFile(path)
	}
	return stations.Default()
}

type ingestResponse struct {
	ID              string   `json:"id"`
	StationID       string   `json:"station_id"`
	Status          string   `json:"status"`
	DownloadedFiles []string `json:"downloaded_files"`
	Failed          []struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	} `json:"failed"`
	Skipped []string `json:"skipped"`
}

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest STATION",
		Short: "Materialize a station's scans for a UTC window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := timeFlag(cmd, "start")
			if err != nil {
				return err
			}
			end, err := timeFlag(cmd, "end")
			if err != nil {
				return err
			}

			body := map[string]any{
				"station_id": strings.ToUpper(args[0]),
				"start":      start,
				"end":        end,
			}
			var res ingestResponse
			status, err := newClient(cmd).do(cmd.Context(), http.MethodPost, "/ingest", body, &res)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ingest %s for %s: %s\n", res.ID, res.StationID, res.Status)
			if status == http.StatusNotFound {
				fmt.Fprintln(out, "no scans in window")
				return nil
			}

			t := tablewriter.NewTable(out)
			t.Header([]string{"Scan", "Result"})
			for _, key := range res.DownloadedFiles {
				if err := t.Append([]string{key, "cached"}); err != nil {
					return err
				}
			}
			for _, f := range res.Failed {
				if err := t.Append([]string{f.Key, "failed: " + f.Error}); err != nil {
					return err
				}
			}
			for _, key := range res.Skipped {
				if err := t.Append([]string{key, "skipped"}); err != nil {
					return err
				}
			}
			return t.Render()
		},
	}
	cmd.Flags().String("start", "", "window start (RFC3339)")
	cmd.Flags().String("end", "", "window end, exclusive (RFC3339)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newScansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scans",
		Short: "List scans held by the service cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Scans []string `json:"scans"`
			}
			if _, err := newClient(cmd).do(cmd.Context(), http.MethodGet, "/scans", nil, &res); err != nil {
				return err
			}
			t := tablewriter.NewTable(cmd.OutOrStdout())
			t.Header([]string{"Scan", "Station", "Observed"})
			for _, key := range res.Scans {
				station, at := "?", "?"
				if id, observed, err := domain.ParseScanName(key); err == nil {
					station, at = id, observed.Format(time.RFC3339)
				}
				if err := t.Append([]string{key, station, at}); err != nil {
					return err
				}
			}
			return t.Render()
		},
	}
}

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Query stored scan records",
	}
	latest := &cobra.Command{
		Use:   "latest STATION",
		Short: "Show the most recent record for a station",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec domain.ScanRecord
			path := "/records/latest?station_id=" + url.QueryEscape(strings.ToUpper(args[0]))
			if _, err := newClient(cmd).do(cmd.Context(), http.MethodGet, path, nil, &rec); err != nil {
				return err
			}
			t := tablewriter.NewTable(cmd.OutOrStdout())
			t.Header([]string{"ID", "Station", "Observed", "Grid", "Bounds", "Age"})
			return appendAndRender(t, []string{
				strconv.FormatInt(rec.ID, 10),
				rec.StationID,
				rec.ObservedAt.Format(time.RFC3339),
				fmt.Sprintf("%dx%d", rec.Grid.Rows, rec.Grid.Cols),
				fmt.Sprintf("[%.2f, %.2f] x [%.2f, %.2f]", rec.Bounds.MinLon, rec.Bounds.MaxLon, rec.Bounds.MinLat, rec.Bounds.MaxLat),
				humanize.Time(rec.ObservedAt),
			})
		},
	}
	cmd.AddCommand(latest)
	return cmd
}

func appendAndRender(t *tablewriter.Table, row []string) error {
	if err := t.Append(row); err != nil {
		return err
	}
	return t.Render()
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t.UTC(), nil
}

// client is a minimal JSON client for the radar service API.
type client struct {
	baseURL    string
	httpClient *http.Client
}

func newClient(cmd *cobra.Command) *client {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and decodes a 2xx or 404 response into out. Other
// statuses become errors carrying the service's error message.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	ok := resp.StatusCode/100 == 2 || (resp.StatusCode == http.StatusNotFound && method == http.MethodPost)
	if !ok {
		var e struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Details != "" {
				return resp.StatusCode, fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.Error, e.Details)
			}
			return resp.StatusCode, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
