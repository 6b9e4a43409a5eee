package main

import (
	"fmt"
	"os"
	"time"

	casaflow "github.com/casaflow/casaflow-go"
)

// getClient builds a REST client from the stored config plus environment
// overrides (CASAFLOW_BASE_URL, CASAFLOW_CHANNEL_URL, CASAFLOW_TOKEN).
func getClient() (*casaflow.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	token := cfg.Auth.Token
	if env := os.Getenv("CASAFLOW_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, nil, fmt.Errorf("no token configured — run 'casaflow init <token>' or set CASAFLOW_TOKEN")
	}

	var opts []casaflow.ClientOption
	baseURL := cfg.Default.BaseURL
	if env := os.Getenv("CASAFLOW_BASE_URL"); env != "" {
		baseURL = env
	}
	if baseURL != "" {
		opts = append(opts, casaflow.WithBaseURL(baseURL))
	}
	channelURL := cfg.Default.ChannelURL
	if env := os.Getenv("CASAFLOW_CHANNEL_URL"); env != "" {
		channelURL = env
	}
	if channelURL != "" {
		opts = append(opts, casaflow.WithChannelURL(channelURL))
	}
	if chatUser != "" {
		cfg.Auth.UserID = chatUser
	}

	return casaflow.NewClient(token, opts...), cfg, nil
}

// getSession builds a full chat session with notifications printed to stderr.
func getSession() (*casaflow.ChatSession, *Config, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.UserID == "" {
		return nil, nil, fmt.Errorf("no user ID configured — run 'casaflow init <token> --user <id>' or pass --user")
	}

	session := casaflow.NewChatSession(client, casaflow.SessionConfig{
		UserID: cfg.Auth.UserID,
		Notifier: func(n casaflow.Notification) {
			if n.Kind == casaflow.NotifySendError {
				fmt.Fprintf(os.Stderr, "! send error: %s\n", n.Body)
			}
		},
		Channel: casaflow.ChannelConfig{
			AutoReconnect: true,
		},
	})
	return session, cfg, nil
}

// printMessage renders one message line; own messages are marked with ">".
func printMessage(m casaflow.Message, selfID string) {
	marker := " "
	if m.Sender == selfID {
		marker = ">"
	}
	fmt.Printf("%s [%s] %s: %s\n", marker, m.CreatedAt.Local().Format(time.Kitchen), m.Sender, m.Content)
}

func truncate(s string, n int) string {
	// Slice on rune boundaries so multi-byte content is never split.
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
