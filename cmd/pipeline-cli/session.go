package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or remove sessions on the server",
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print the transcript and graph of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		body, err := sessionRequest(http.MethodGet, server, args[0])
		if err != nil {
			return err
		}

		var snap struct {
			ID         string                `json:"session_id"`
			State      string                `json:"state"`
			Transcript []models.Message      `json:"transcript"`
			Graph      *models.WorkflowGraph `json:"graph"`
		}
		if err := json.Unmarshal(body, &snap); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}

		cyan.Printf("Session %s (%s)\n", snap.ID, snap.State)
		for _, m := range snap.Transcript {
			switch {
			case m.Type == models.MessageTypeError:
				red.Print("error     ▶ ")
			case m.Role == models.RoleAssistant:
				green.Print("assistant ▶ ")
			default:
				yellow.Print("you       ▶ ")
			}
			fmt.Println(m.Content)
		}
		if snap.Graph != nil {
			renderGraph(os.Stdout, *snap.Graph)
		}
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if _, err := sessionRequest(http.MethodDelete, server, args[0]); err != nil {
			return err
		}
		green.Printf("Deleted session %s\n", args[0])
		return nil
	},
}

func sessionRequest(method, server, sessionID string) ([]byte, error) {
	endpoint := strings.TrimSuffix(server, "/") + "/api/sessions/" + url.PathEscape(sessionID)
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var errResp models.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%s (%s)", errResp.Error, errResp.Code)
		}
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return body, nil
}

func init() {
	sessionCmd.AddCommand(sessionInspectCmd)
	sessionCmd.AddCommand(sessionRmCmd)
	rootCmd.AddCommand(sessionCmd)
}
