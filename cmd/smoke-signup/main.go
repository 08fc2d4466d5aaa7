// Command smoke-signup drives a running verimail-api through the full
// registration flow. It reads the confirmation token straight from the
// database, standing in for the email the real flow would deliver, so it
// needs the same DSN the API uses.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	apiURL := os.Getenv("VERIMAIL_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	dsn := os.Getenv("VERIMAIL_PG_DSN")
	if dsn == "" {
		log.Fatal("VERIMAIL_PG_DSN is required to read the confirmation token")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	email := fmt.Sprintf("smoke-%d@example.com", rand.New(rand.NewSource(time.Now().UnixNano())).Int())
	password := "smoke-test-password"

	if code := postJSON(client, apiURL+"/v1/register", map[string]string{
		"email": email, "password": password,
	}, nil); code != http.StatusAccepted {
		log.Fatalf("register: expected 202, got %d", code)
	}

	// Login before confirmation must be rejected.
	if code := postJSON(client, apiURL+"/v1/login", map[string]string{
		"email": email, "password": password,
	}, nil); code != http.StatusUnauthorized {
		log.Fatalf("premature login: expected 401, got %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var token string
	if err := db.QueryRowContext(ctx,
		`select confirm_token from accounts where email=$1`, email).Scan(&token); err != nil {
		log.Fatalf("read confirm token: %v", err)
	}

	confirmURL := apiURL + "/v1/confirm?token=" + url.QueryEscape(token)
	if code := get(client, confirmURL); code != http.StatusOK {
		log.Fatalf("confirm: expected 200, got %d", code)
	}
	if code := get(client, confirmURL); code != http.StatusBadRequest {
		log.Fatalf("token reuse: expected 400, got %d", code)
	}

	var login struct {
		Token string `json:"token"`
	}
	if code := postJSON(client, apiURL+"/v1/login", map[string]string{
		"email": email, "password": password,
	}, &login); code != http.StatusOK {
		log.Fatalf("login: expected 200, got %d", code)
	}
	if login.Token == "" {
		log.Fatal("login returned no session token")
	}

	req, err := http.NewRequest(http.MethodGet, apiURL+"/v1/dashboard", nil)
	if err != nil {
		log.Fatalf("dashboard request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("dashboard: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("dashboard: expected 200, got %d", resp.StatusCode)
	}
	var dash struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dash); err != nil {
		log.Fatalf("decode dashboard: %v", err)
	}
	if dash.Email != email {
		log.Fatalf("dashboard identity mismatch: got %q, want %q", dash.Email, email)
	}

	fmt.Printf("verimail smoke test passed: %s\n", email)
}

func postJSON(client *http.Client, target string, body map[string]string, out any) int {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal body: %v", err)
	}
	resp, err := client.Post(target, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s response: %v", target, err)
		}
	}
	return resp.StatusCode
}

func get(client *http.Client, target string) int {
	resp, err := client.Get(target)
	if err != nil {
		log.Fatalf("GET %s: %v", target, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}
