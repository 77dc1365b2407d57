// smoke-link drives the full linking workflow against a running instance:
// create a session, attach a wallet, confirm with a signed Telegram payload.
package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/telegram"
)

func main() {
	base := os.Getenv("CAISHEN_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	botToken := os.Getenv("CAISHEN_TELEGRAM_BOT_TOKEN")
	if botToken == "" {
		log.Fatal("CAISHEN_TELEGRAM_BOT_TOKEN is required to sign the confirm payload")
	}

	tenantID := "424242"
	client := &http.Client{Timeout: 10 * time.Second}

	var created struct {
		Token  string `json:"token"`
		Status string `json:"status"`
	}
	post(client, base+"/v1/link/sessions", map[string]any{
		"telegramId":       tenantID,
		"telegramUsername": "smoke",
	}, http.StatusCreated, &created)
	log.Printf("created session %s (%s)", created.Token, created.Status)

	var attached struct {
		Status        string `json:"status"`
		WalletAddress string `json:"walletAddress"`
	}
	post(client, base+"/v1/link/sessions/"+created.Token+"/wallet", map[string]any{
		"walletAddress": "0x" + strings.Repeat("a", 64),
		"walletType":    "external",
	}, http.StatusOK, &attached)
	log.Printf("attached wallet %s (%s)", attached.WalletAddress, attached.Status)

	payload := telegram.AuthPayload{
		"id":         tenantID,
		"username":   "smoke",
		"first_name": "Smoke",
		"auth_date":  strconv.FormatInt(time.Now().Unix(), 10),
	}
	payload["hash"] = telegram.NewVerifier(botToken).Sign(payload)

	var confirmed struct {
		Status string `json:"status"`
	}
	post(client, base+"/v1/link/sessions/"+created.Token+"/confirm", payload, http.StatusOK, &confirmed)
	if confirmed.Status != "completed" {
		log.Fatalf("unexpected final status %q", confirmed.Status)
	}
	log.Println("smoke-link OK")
}

func post(client *http.Client, url string, body any, wantStatus int, out any) {
	raw, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal request for %s: %v", url, err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(resp.Body)
		log.Fatalf("POST %s: status %d, want %d: %s", url, resp.StatusCode, wantStatus, msg.String())
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode response from %s: %v", url, err)
		}
	}
}
