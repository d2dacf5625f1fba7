package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/beaconhq/beacon/internal/daemon"
	"github.com/beaconhq/beacon/internal/session"
)

// The daemon listens on a Unix socket; the host part of the URL is ignored.
const baseURL = "http://beacond"

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		client:  daemon.Client(session.SocketPath(sessionName)),
		jsonOut: *jsonFlag,
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "chats":
		c.cmdChats()
	case "messages":
		requireArg(args, 2, "usage: beaconctl messages <chat-id>")
		c.cmdMessages(args[1])
	case "send":
		requireArg(args, 3, "usage: beaconctl send <chat-id> <text>")
		c.cmdSend(args[1], strings.Join(args[2:], " "))
	case "flush":
		requireArg(args, 2, "usage: beaconctl flush <chat-id>")
		c.cmdFlush(args[1])
	case "read":
		requireArg(args, 2, "usage: beaconctl read <chat-id>")
		c.cmdRead(args[1])
	case "typing":
		requireArg(args, 3, "usage: beaconctl typing <start|stop> <chat-id>")
		c.cmdTyping(args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func requireArg(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: beaconctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats                     List conversations, local groups first")
	fmt.Fprintln(os.Stderr, "  messages <chat-id>        Show recent messages in a chat")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>     Send a message (queued when offline)")
	fmt.Fprintln(os.Stderr, "  flush <chat-id>           Retry a chat's queued messages")
	fmt.Fprintln(os.Stderr, "  read <chat-id>            Mark a chat read")
	fmt.Fprintln(os.Stderr, "  typing start|stop <chat-id>  Announce typing state")
}

type ctl struct {
	client  *http.Client
	jsonOut bool
}

func (c *ctl) get(path string, out any) {
	resp, err := c.client.Get(baseURL + path)
	if err != nil {
		fail("cannot reach daemon: %v", err)
	}
	c.decode(resp, out)
}

func (c *ctl) post(path string, body, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fail("%v", err)
		}
	}
	resp, err := c.client.Post(baseURL+path, "application/json", &buf)
	if err != nil {
		fail("cannot reach daemon: %v", err)
	}
	c.decode(resp, out)
}

func (c *ctl) decode(resp *http.Response, out any) {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			fail("%s", e.Error)
		}
		fail("daemon returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fail("%v", err)
		}
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (c *ctl) cmdStatus() {
	var st struct {
		Session string `json:"session"`
		State   string `json:"state"`
		UserID  string `json:"user_id"`
	}
	c.get("/status", &st)
	if c.jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("State:   %s\n", st.State)
	if st.UserID != "" {
		fmt.Printf("User:    %s\n", st.UserID)
	}
}

func (c *ctl) cmdChats() {
	var chats []struct {
		ID        string  `json:"id"`
		Title     string  `json:"title"`
		IsGroup   bool    `json:"is_group"`
		Local     bool    `json:"local"`
		Unread    bool    `json:"unread"`
		Queued    int     `json:"queued"`
		DistKm    float64 `json:"distance_km"`
		UpdatedAt int64   `json:"updated_at"`
	}
	c.get("/conversations", &chats)
	if c.jsonOut {
		outputJSON(chats)
		return
	}
	for _, ch := range chats {
		var marks []string
		if ch.Local {
			marks = append(marks, fmt.Sprintf("local %.1fkm", ch.DistKm))
		}
		if ch.Unread {
			marks = append(marks, "unread")
		}
		if ch.Queued > 0 {
			marks = append(marks, fmt.Sprintf("%d queued", ch.Queued))
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ", ") + "]"
		}
		fmt.Printf("%-12s %s%s\n", ch.ID, ch.Title, suffix)
	}
}

func (c *ctl) cmdMessages(chatID string) {
	var msgs []struct {
		MsgID      string `json:"MsgID"`
		SenderName string `json:"SenderName"`
		SenderID   string `json:"SenderID"`
		Body       string `json:"Body"`
		FromMe     bool   `json:"FromMe"`
		Timestamp  int64  `json:"Timestamp"`
	}
	c.get("/conversations/"+chatID+"/messages", &msgs)
	if c.jsonOut {
		outputJSON(msgs)
		return
	}
	// Stored newest-first; print oldest-first like a chat log.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		if m.FromMe {
			who = "me"
		}
		ts := time.UnixMilli(m.Timestamp).Format("15:04")
		fmt.Printf("%s %-12s %s\n", ts, who, m.Body)
	}
}

func (c *ctl) cmdSend(chatID, text string) {
	var sent struct {
		ClientMsgID string `json:"client_msg_id"`
		Queued      bool   `json:"queued"`
	}
	c.post("/messages", map[string]string{"chat_id": chatID, "body": text}, &sent)
	if c.jsonOut {
		outputJSON(sent)
		return
	}
	if sent.Queued {
		fmt.Printf("queued (%s)\n", sent.ClientMsgID)
	} else {
		fmt.Println("sent")
	}
}

func (c *ctl) cmdFlush(chatID string) {
	c.post("/flush/"+chatID, nil, nil)
	if !c.jsonOut {
		fmt.Println("flushed")
	}
}

func (c *ctl) cmdRead(chatID string) {
	c.post("/conversations/"+chatID+"/read", nil, nil)
	if !c.jsonOut {
		fmt.Println("marked read")
	}
}

func (c *ctl) cmdTyping(action, chatID string) {
	if action != "start" && action != "stop" {
		fail("usage: beaconctl typing <start|stop> <chat-id>")
	}
	c.post("/typing/"+chatID+"/"+action, nil, nil)
	if !c.jsonOut {
		fmt.Println("ok")
	}
}
