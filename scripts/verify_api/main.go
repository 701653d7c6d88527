package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func call(method, url, token string, body any) (int, []byte) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	if token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func login(apiAddr, userID string) string {
	status, body := call(http.MethodPost, apiAddr+"/login", "", map[string]string{"user_id": userID, "public_key": "pk-" + userID})
	if status != http.StatusOK {
		log.Fatalf("login %s: %d %s", userID, status, body)
	}
	var resp LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Fatal(err)
	}
	return resp.Token
}

// Smoke-tests a running API: two users, one acceptance, then every query.
func main() {
	apiAddr := "http://localhost:8081"

	alice := login(apiAddr, "verifyalice")
	bob := login(apiAddr, "verifybob")
	fmt.Printf("Tokens: %s... %s...\n", alice[:10], bob[:10])

	status, body := call(http.MethodPost, apiAddr+"/contacts/accept", bob, map[string]string{
		"username":                   "verifyalice",
		"nonce":                      "bm9uY2U=",
		"aes_key_encrypted_sender":   "a2V5LWJvYg==",
		"aes_key_encrypted_receiver": "a2V5LWFsaWNl",
		"encrypted_welcome_message":  "aGk=",
	})
	log.Printf("Accept: %d %s", status, body)

	for _, path := range []string{"/history?contact=verifybob", "/conversations", "/keys?contact=verifybob", "/presence?user=verifybob"} {
		status, body = call(http.MethodGet, apiAddr+path, alice, nil)
		log.Printf("%s: %d %s", path, status, body)
	}
	status, body = call(http.MethodPost, apiAddr+"/sessions/lookup", alice, map[string]string{"contact": "verifybob"})
	log.Printf("Lookup: %d %s", status, body)
}
