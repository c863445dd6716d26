package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/pdpsync/core/pdp/voter"
)

const apiKeyHeader = "X-API-Key"

func newStatusCmd() *cobra.Command {
	var server, apiKey, format string
	c := &cobra.Command{
		Use:   "status [pdp-id]",
		Short: "Show PDP load status from a running daemon",
		Long: `Query a cordum-pdp daemon for the load status of its PDPs.

Examples:
  pdpbundle status --server http://localhost:8090
  pdpbundle status default --server http://localhost:8090 -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := strings.TrimRight(server, "/") + "/api/v1/pdps"
			var statuses []voter.Status
			if len(args) == 1 {
				var st voter.Status
				if err := getJSON(cmd, base+"/"+args[0], apiKey, &st); err != nil {
					return err
				}
				statuses = []voter.Status{st}
			} else {
				var list struct {
					Items []voter.Status `json:"items"`
				}
				if err := getJSON(cmd, base, apiKey, &list); err != nil {
					return err
				}
				statuses = list.Items
			}
			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(out, "No PDPs loaded.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PDP\tSTATE\tCONFIGURATION\tDOCUMENTS\tLAST LOAD\tERROR")
			for _, st := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					st.PdpID, stateLabel(st.State), st.ConfigurationID, st.DocumentCount,
					formatTime(st.LastSuccessfulLoad), st.LastError)
			}
			return w.Flush()
		},
	}
	c.Flags().StringVar(&server, "server", "http://localhost:8090", "daemon base URL")
	c.Flags().StringVar(&apiKey, "api-key", "", "API key sent as "+apiKeyHeader)
	c.Flags().StringVarP(&format, "output", "o", "table", "output format: table or json")
	return c
}

func getJSON(cmd *cobra.Command, url, apiKey string, dst any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func stateLabel(state voter.State) string {
	switch state {
	case voter.StateLoaded:
		return okColor.Sprint(state)
	case voter.StateStale:
		return warnColor.Sprint(state)
	case voter.StateError:
		return failColor.Sprint(state)
	default:
		return string(state)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
