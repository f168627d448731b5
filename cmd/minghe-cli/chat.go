package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/antoniostano/minghe/internal/protocol"
	"github.com/antoniostano/minghe/internal/session"
)

const prompt = "你> "

type client struct {
	base string
	http *http.Client
}

type turnReply struct {
	protocol.AssistantReply
	Persisted bool `json:"persisted"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func runChat(cmd *cobra.Command, _ []string) error {
	c := &client{
		base: strings.TrimRight(serverURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID, err := c.createSession(ctx, userID)
	if err != nil {
		return err
	}
	defer func() { _ = c.endSession(context.Background(), sessionID) }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "会话已开始 (%s)。输入 /quit 退出。\n", sessionID)
	if httpOnly {
		return c.chatHTTP(ctx, sessionID, cmd.InOrStdin(), out)
	}
	return c.chatWS(ctx, sessionID, cmd.InOrStdin(), out)
}

func (c *client) createSession(ctx context.Context, user string) (string, error) {
	var created session.CreateResponse
	if err := c.postJSON(ctx, "/v1/sessions", session.CreateRequest{UserID: user}, &created); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return created.SessionID, nil
}

func (c *client) endSession(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil, nil)
}

func (c *client) turn(ctx context.Context, sessionID, text string) (turnReply, error) {
	res, err := c.post(ctx, "/v1/chat/turn", map[string]string{"session_id": sessionID, "text": text})
	if err != nil {
		return turnReply{}, err
	}
	defer res.Body.Close()
	// A turn that was answered but not saved comes back as 500 with the reply.
	if res.StatusCode >= 300 && res.StatusCode != http.StatusInternalServerError {
		return turnReply{}, decodeAPIError(res)
	}
	var reply turnReply
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil || reply.TurnID == "" {
		return turnReply{}, fmt.Errorf("unexpected response: %s", res.Status)
	}
	return reply, nil
}

func (c *client) postJSON(ctx context.Context, path string, body, out any) error {
	res, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return decodeAPIError(res)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func decodeAPIError(res *http.Response) error {
	var apiErr apiError
	_ = json.NewDecoder(res.Body).Decode(&apiErr)
	if apiErr.Code == "" {
		apiErr.Code = res.Status
	}
	return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
}

func (c *client) chatHTTP(ctx context.Context, sessionID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, prompt)
			continue
		case "/quit":
			return nil
		case "/cancel":
			fmt.Fprintln(out, "(http 模式下没有进行中的回复)")
			fmt.Fprint(out, prompt)
			continue
		}
		reply, err := c.turn(ctx, sessionID, line)
		if err != nil {
			fmt.Fprintf(out, "错误: %v\n", err)
		} else {
			printReply(out, reply.AssistantReply)
			if !reply.Persisted {
				fmt.Fprintln(out, "(提示: 这条对话未能保存)")
			}
		}
		fmt.Fprint(out, prompt)
	}
	return scanner.Err()
}

func (c *client) chatWS(ctx context.Context, sessionID string, in io.Reader, out io.Writer) error {
	wsURL, err := websocketURL(c.base, sessionID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			switch env.Type {
			case protocol.TypeAssistantReply:
				var reply protocol.AssistantReply
				if json.Unmarshal(data, &reply) == nil {
					mu.Lock()
					printReply(out, reply)
					mu.Unlock()
				}
			case protocol.TypeAssistantTurnEnd:
				var end protocol.AssistantTurnEnd
				if json.Unmarshal(data, &end) == nil && end.Reason != "completed" {
					printf("(%s)\n", end.Reason)
				}
				printf("%s", prompt)
			case protocol.TypeErrorEvent:
				var ev protocol.ErrorEvent
				if json.Unmarshal(data, &ev) == nil {
					printf("错误: %s %s\n", ev.Code, ev.Detail)
				}
			}
		}
	}()

	printf("%s", prompt)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var msg any
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/cancel":
			msg = protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionCancel}
		default:
			msg = protocol.ChatMessage{Type: protocol.TypeChatMessage, SessionID: sessionID, Text: line}
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		select {
		case <-readerDone:
			return fmt.Errorf("connection closed by server")
		default:
		}
	}
	return scanner.Err()
}

func websocketURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String(), nil
}

func printReply(out io.Writer, reply protocol.AssistantReply) {
	fmt.Fprintf(out, "明禾> %s\n", reply.Text)
	if len(reply.Hotlines) > 0 {
		fmt.Fprintln(out, "求助热线:")
		for _, h := range reply.Hotlines {
			fmt.Fprintf(out, "  %s %s\n", h.Name, h.Phone)
		}
	}
	if a := reply.Assessment; a != nil && a.Total > 0 {
		fmt.Fprintf(out, "[测评 %d/%d]\n", a.Answered, a.Total)
	}
}
