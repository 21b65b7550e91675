package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newPairCmd() *cobra.Command {
	var addr, token string
	var qr bool

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Generate a one-time pairing code for a new device",
		Long: `Ask the running daemon for a pairing code and display it, optionally
as a QR code a device agent can scan. The code is valid for five
minutes and redeemable once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("TETHER_TOKEN")
			}
			if token == "" {
				return errors.New("no API token: pass --token or export TETHER_TOKEN (mint one with 'tether token')")
			}

			code, expiresAt, ttl, err := requestPairingCode(addr, token)
			if err != nil {
				return fmt.Errorf("%w\n\nThe daemon must be running: start it with 'tether'", err)
			}

			if qr {
				displayQRCode(addr, code, expiresAt)
				return nil
			}
			fmt.Printf("\n  Pairing code: %s\n", code)
			fmt.Printf("  Expires:      %s (%ds)\n\n", expiresAt.Format(time.Kitchen), ttl)
			fmt.Printf("  Enter this code in the device agent pointed at ws://%s/ws/device\n\n", addr)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "daemon address")
	cmd.Flags().StringVar(&token, "token", "", "API token (default: TETHER_TOKEN env)")
	cmd.Flags().BoolVar(&qr, "qr", false, "display the pairing info as a QR code")
	return cmd
}

func requestPairingCode(addr, token string) (code string, expiresAt time.Time, ttl int, err error) {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/v1/pairing/code", addr), nil)
	if err != nil {
		return "", time.Time{}, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("could not reach daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", time.Time{}, 0, errors.New("daemon rejected the API token")
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, 0, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	var result struct {
		Code       string    `json:"code"`
		ExpiresAt  time.Time `json:"expires_at"`
		TTLSeconds int       `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, 0, err
	}
	return result.Code, result.ExpiresAt, result.TTLSeconds, nil
}

func displayQRCode(addr, code string, expiresAt time.Time) {
	payload := fmt.Sprintf("tether://pair?host=%s&code=%s", url.QueryEscape(addr), code)

	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Printf("QR generation failed (%v); code: %s\n", err, code)
		return
	}

	fmt.Println()
	fmt.Println("  Scan to pair:")
	fmt.Println()
	fmt.Print(q.ToSmallString(false))
	fmt.Printf("  Code: %s (expires %s)\n\n", code, expiresAt.Format(time.Kitchen))
}
