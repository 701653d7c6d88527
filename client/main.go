package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/cipherline/pkg/model"
)

type LoginResponse struct {
	Token string `json:"token"`
}

type LookupResponse struct {
	SessionID string `json:"session_id"`
}

func post(addr, token string, body, out any) error {
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, addr, bytes.NewBuffer(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func dial(serverAddr, path, token string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: serverAddr, Path: path}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)
	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	return c, err
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	contact := flag.String("to", "", "contact to chat with")
	key := flag.String("key", "", "base64 32-byte session key shared with the contact")
	newKey := flag.Bool("genkey", false, "print a fresh session key and exit")
	flag.Parse()

	if *newKey {
		k, err := generateKey()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(k)
		return
	}

	log.Printf("Logging in as %s...", *userID)
	var loginResp LoginResponse
	if err := post(*apiAddr+"/login", "", map[string]string{"user_id": *userID}, &loginResp); err != nil {
		log.Fatal("Login failed: ", err)
	}
	token := loginResp.Token

	notifications, err := dial(*serverAddr, "/ws/notifications", token)
	if err != nil {
		log.Fatal("dial notifications: ", err)
	}
	defer notifications.Close()
	go printNotifications(notifications)

	done := make(chan struct{})
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if *contact == "" {
		log.Println("No -to contact given, listening for notifications only")
		<-interrupt
		return
	}

	box, err := newSealer(*key)
	if err != nil {
		log.Fatal("key: ", err)
	}
	var session LookupResponse
	if err := post(*apiAddr+"/sessions/lookup", token, map[string]string{"contact": *contact}, &session); err != nil {
		log.Fatal("Session lookup failed: ", err)
	}

	c, err := dial(*serverAddr, "/ws/chat/"+url.PathEscape(*contact), token)
	if err != nil {
		log.Fatal("dial chat: ", err)
	}
	defer c.Close()

	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			var frame model.ChatMessageFrame
			if err := json.Unmarshal(data, &frame); err != nil || frame.Type != model.TypeChatMessage {
				fmt.Printf("\r%s\n> ", data)
				continue
			}
			plain, err := box.open(frame.Message, frame.Nonce)
			if err != nil {
				plain = "<undecryptable: " + err.Error() + ">"
			}
			fmt.Printf("\r[%s] %s: %s\n> ", frame.Timestamp, frame.SenderID, plain)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-done:
			return
		case text, ok := <-lines:
			if !ok || text == "/quit" {
				closeGracefully(c, done)
				return
			}
			if text == "" {
				fmt.Print("> ")
				continue
			}
			content, nonce, err := box.seal(text)
			if err != nil {
				log.Println("seal:", err)
				continue
			}
			frame, _ := json.Marshal(model.SendFrame{SessionName: session.SessionID, Message: content, Nonce: nonce})
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Println("write:", err)
				return
			}
		case <-interrupt:
			log.Println("interrupt")
			closeGracefully(c, done)
			return
		}
	}
}

func printNotifications(c *websocket.Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var head struct {
			Type model.FrameType `json:"type"`
		}
		_ = json.Unmarshal(data, &head)
		switch head.Type {
		case model.TypeUnreadMessage:
			var f model.UnreadMessageFrame
			_ = json.Unmarshal(data, &f)
			fmt.Printf("\r* %d unread from %s\n> ", f.UnreadCount, f.FromUser)
		case model.TypeOnlineStatus:
			var f model.OnlineStatusFrame
			_ = json.Unmarshal(data, &f)
			state := "offline"
			if f.IsOnline {
				state = "online"
			}
			fmt.Printf("\r* %s is %s\n> ", f.UserID, state)
		default:
			fmt.Printf("\r* %s\n> ", data)
		}
	}
}

// closeGracefully sends a close frame and waits briefly for the server to
// close its side.
func closeGracefully(c *websocket.Conn, done <-chan struct{}) {
	err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		log.Println("write close:", err)
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
