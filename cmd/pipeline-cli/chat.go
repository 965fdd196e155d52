package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/client"
)

const chatHelp = `Type a description of your pipeline, then answer the assistant's questions.
Commands: /new <description> starts over with a new description, /node <id> shows a
node's values, /clear empties the session, /quit exits.`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or resume an interactive session",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			sessionID = uuid.New().String()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := client.NewStore(0)
		conn, err := client.NewConn(server, sessionID, store)
		if err != nil {
			return err
		}
		store.OnChange(newRenderer(os.Stdout).handle)

		go store.Run(ctx)
		go conn.Run(ctx)

		cyan.Printf("Session %s on %s\n", sessionID, server)
		gray.Println(chatHelp)

		return chatLoop(ctx, conn, store)
	},
}

func chatLoop(ctx context.Context, conn *client.Conn, store *client.Store) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if done, err := handleLine(ctx, conn, store, line); done || err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, conn *client.Conn, store *client.Store, line string) (bool, error) {
	switch {
	case line == "/quit":
		return true, nil
	case line == "/clear":
		return false, conn.Clear(ctx)
	case strings.HasPrefix(line, "/new"):
		description := strings.TrimSpace(strings.TrimPrefix(line, "/new"))
		if description == "" {
			yellow.Println("usage: /new <description>")
			return false, nil
		}
		_, err := conn.Start(ctx, description)
		return false, err
	case strings.HasPrefix(line, "/node"):
		nodeID := strings.TrimSpace(strings.TrimPrefix(line, "/node"))
		if nodeID == "" {
			yellow.Println("usage: /node <id>")
			return false, nil
		}
		return false, conn.RequestNodeData(ctx, nodeID)
	case strings.HasPrefix(line, "/"):
		yellow.Printf("unknown command %s\n", line)
		return false, nil
	}

	// the server treats a message on an idle session as a new description
	if store.Snapshot().Loading {
		yellow.Println("Still working on the previous message, it will be answered next.")
	}
	_, err := conn.Send(ctx, line)
	return false, err
}

func init() {
	chatCmd.Flags().String("session", "", "Session id to resume (a new one is generated when empty)")
	rootCmd.AddCommand(chatCmd)
}
