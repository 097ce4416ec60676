package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lst-sh/lst/internal/config"
	"github.com/lst-sh/lst/internal/crypto"
)

var (
	loginServer string
	loginEmail  string
	loginToken  string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to a relay server and set up the encryption key",
	Long: `Log in to a relay server.

Requests a short-lived login token, redeems it for a session bearer, and
derives the account encryption key from the email, password and token.
The key is stored locally; the relay never learns it.

When logging in a second device, pass --token with the token shown on the
first device instead of requesting a fresh one.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		if loginServer == "" {
			loginServer = cfg.Sync.URL
		}
		if loginServer == "" {
			fmt.Fprintf(os.Stderr, "Error: no server URL; pass --server or set sync.url in the config\n")
			os.Exit(1)
		}

		email := strings.ToLower(strings.TrimSpace(loginEmail))
		if email == "" {
			email = prompt("Email: ")
		}
		password := prompt("Password: ")
		if email == "" || password == "" {
			fmt.Fprintf(os.Stderr, "Error: email and password are required\n")
			os.Exit(1)
		}

		token := strings.ToUpper(strings.TrimSpace(loginToken))
		if token == "" {
			token, err = requestToken(loginServer, email, password)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Login token: %s\n", token)
			fmt.Println("Use this token with --token to log in other devices within 15 minutes.")
		}

		jwt, expiresAt, err := verifyToken(loginServer, email, token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		key, err := crypto.DeriveKey(email, password, token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error deriving key: %v\n", err)
			os.Exit(1)
		}
		if err := crypto.SaveKey(cfg.Sync.EncryptionKeyPath, key); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving key: %v\n", err)
			os.Exit(1)
		}
		crypto.Zero(key)

		cfg.Sync.URL = loginServer
		cfg.Auth = config.AuthState{
			Email:        email,
			AuthToken:    token,
			JWT:          jwt,
			JWTExpiresAt: expiresAt,
		}
		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Logged in as %s; session valid until %s\n",
			email, expiresAt.Local().Format("15:04:05"))
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginServer, "server", "", "relay server URL (e.g. https://sync.example.com)")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "login token from another device")
}

func prompt(label string) string {
	fmt.Print(label)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// requestToken asks the relay for a login token. The password never leaves
// the device; only its deterministic pre-hash does.
func requestToken(server, email, password string) (string, error) {
	host, _ := os.Hostname()
	body, _ := json.Marshal(map[string]string{
		"email":         email,
		"host":          host,
		"password_hash": crypto.HashPassword(email, password),
	})
	resp, err := http.Post(strings.TrimSuffix(server, "/")+"/api/auth/request",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("invalid credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login request failed: HTTP %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("malformed login response: %w", err)
	}
	return out.Token, nil
}

func verifyToken(server, email, token string) (string, time.Time, error) {
	body, _ := json.Marshal(map[string]string{"email": email, "token": token})
	resp, err := http.Post(strings.TrimSuffix(server, "/")+"/api/auth/verify",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token verification failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", time.Time{}, fmt.Errorf("invalid or expired token")
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token verification failed: HTTP %d", resp.StatusCode)
	}
	var out struct {
		JWT       string    `json:"jwt"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("malformed verification response: %w", err)
	}
	return out.JWT, out.ExpiresAt, nil
}
