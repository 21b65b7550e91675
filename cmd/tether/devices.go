package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var addr, token string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("TETHER_TOKEN")
			}
			if token == "" {
				return errors.New("no API token: pass --token or export TETHER_TOKEN (mint one with 'tether token')")
			}

			req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/v1/devices", addr), nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("could not reach daemon at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned status %d", resp.StatusCode)
			}

			var result struct {
				Devices []struct {
					ID        string    `json:"id"`
					Name      string    `json:"name"`
					Platform  string    `json:"platform"`
					Connected bool      `json:"connected"`
					LastSeen  time.Time `json:"last_seen"`
				} `json:"devices"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return err
			}

			if len(result.Devices) == 0 {
				fmt.Println("No paired devices. Pair one with 'tether pair'.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tSTATUS\tLAST SEEN")
			for _, d := range result.Devices {
				status := "offline"
				if d.Connected {
					status = "online"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Name, d.Platform, status, d.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "daemon address")
	cmd.Flags().StringVar(&token, "token", "", "API token (default: TETHER_TOKEN env)")
	return cmd
}
