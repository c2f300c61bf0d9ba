package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
)

// channelsCmd manages channel accounts through the running gateway's API.
func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage channel connections",
	}
	cmd.AddCommand(channelsListCmd())
	cmd.AddCommand(channelsConnectCmd())
	cmd.AddCommand(channelsDisconnectCmd())
	return cmd
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return &apiClient{
		base:  fmt.Sprintf("http://%s:%d", host, cfg.Server.Port),
		token: cfg.Server.AuthToken,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the gateway running? %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

type channelRow struct {
	ID          string `json:"id"`
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

func (c *apiClient) listChannels() ([]channelRow, error) {
	var resp struct {
		Channels []channelRow `json:"channels"`
	}
	if err := c.do(http.MethodGet, "/v1/channels", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}
			rows, err := api.listChannels()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No channels configured. Run: maiachat channels connect")
				return nil
			}

			printRow("TYPE", "CHANNEL", "NAME", "ACTIVE")
			for _, row := range rows {
				active := "no"
				if row.Active {
					active = "yes"
				}
				printRow(row.ChannelType, row.ChannelID, row.DisplayName, active)
			}
			return nil
		},
	}
}

// printRow pads columns by display width so CJK display names stay aligned.
func printRow(cols ...string) {
	widths := []int{10, 24, 24, 6}
	for i, col := range cols {
		if i < len(widths) {
			fmt.Print(runewidth.FillRight(runewidth.Truncate(col, widths[i], "…"), widths[i]+2))
		} else {
			fmt.Print(col)
		}
	}
	fmt.Println()
}

func channelsConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Add and start a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				channelType string
				channelID   string
				accessToken string
			)

			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title("Channel type").
					Options(
						huh.NewOption("Telegram (bot token)", channels.TypeTelegram),
						huh.NewOption("Discord (bot token)", channels.TypeDiscord),
						huh.NewOption("Slack (bot token — or use OAuth install)", channels.TypeSlack),
						huh.NewOption("WhatsApp (bridge, QR pairing)", channels.TypeWhatsApp),
						huh.NewOption("Microsoft Teams (Bot Framework)", channels.TypeTeams),
						huh.NewOption("Webchat (site widget)", channels.TypeWebchat),
					).
					Value(&channelType),
				huh.NewInput().
					Title("Channel ID").
					Description("Your identifier for this connection, e.g. the bot name or workspace").
					Value(&channelID),
				huh.NewInput().
					Title("Access token").
					Description("Bot token or bridge URL; leave empty for webchat").
					EchoMode(huh.EchoModePassword).
					Value(&accessToken),
			))
			if err := form.Run(); err != nil {
				return err
			}
			if channelID == "" {
				return fmt.Errorf("channel ID is required")
			}

			api, err := newAPIClient()
			if err != nil {
				return err
			}

			var created struct {
				ID string `json:"id"`
			}
			err = api.do(http.MethodPost, "/v1/channels", map[string]any{
				"channel_type": channelType,
				"channel_id":   channelID,
				"access_token": accessToken,
				"active":       true,
			}, &created)
			if err != nil {
				return fmt.Errorf("save channel: %w", err)
			}

			if err := api.do(http.MethodPost, "/v1/channels/"+created.ID+"/start", nil, nil); err != nil {
				fmt.Fprintf(os.Stderr, "Channel saved but failed to start: %v\n", err)
				fmt.Println("Fix the credentials and run: maiachat channels connect")
				return nil
			}

			fmt.Printf("Channel %s/%s connected.\n", channelType, channelID)
			if channelType == channels.TypeWhatsApp {
				fmt.Println("Poll GET /v1/channels/{id}/pairing for the QR code to scan.")
			}
			return nil
		},
	}
}

func channelsDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Stop a running channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}
			rows, err := api.listChannels()
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No channels configured.")
				return nil
			}

			options := make([]huh.Option[string], 0, len(rows))
			for _, row := range rows {
				label := fmt.Sprintf("%s / %s", row.ChannelType, row.ChannelID)
				if row.DisplayName != "" {
					label += " (" + row.DisplayName + ")"
				}
				options = append(options, huh.NewOption(label, row.ID))
			}

			var id string
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().Title("Channel to disconnect").Options(options...).Value(&id),
			))
			if err := form.Run(); err != nil {
				return err
			}

			if err := api.do(http.MethodPost, "/v1/channels/"+id+"/stop", nil, nil); err != nil {
				return err
			}
			fmt.Println("Channel stopped.")
			return nil
		},
	}
}
