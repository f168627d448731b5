// Command perfchat replays a scripted conversation against a running minghe
// server over the chat websocket and reports per-turn latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/minghe/internal/protocol"
)

type options struct {
	baseURL  string
	userID   string
	turns    int
	warmup   time.Duration
	pause    time.Duration
	deadline time.Duration
	texts    []string
	quiet    bool
}

// event is the subset of server messages the replay cares about.
type event struct {
	Type      protocol.MessageType `json:"type"`
	Code      string               `json:"code,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	RiskLevel string               `json:"risk_level,omitempty"`
	Route     string               `json:"route,omitempty"`
}

type turnSample struct {
	text   string
	route  string
	risk   string
	reason string
	reply  time.Duration
	end    time.Duration
}

var defaultScript = []string{
	"最近工作压力有点大，晚上总是想事情",
	"有什么缓解焦虑的方法吗",
	"我想做一个压力测评",
	"谢谢你，今天聊得很好",
}

func main() {
	var (
		opts   options
		script string
	)
	flag.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "minghe base URL")
	flag.StringVar(&opts.userID, "user-id", "perf-replay", "user id for the synthetic session")
	flag.IntVar(&opts.turns, "turns", 10, "turns to replay; the script repeats as needed")
	flag.DurationVar(&opts.warmup, "warmup", 200*time.Millisecond, "wait after connecting before the first turn")
	flag.DurationVar(&opts.pause, "pause", 180*time.Millisecond, "wait between turns")
	flag.DurationVar(&opts.deadline, "turn-timeout", 15*time.Second, "per-turn limit for assistant_turn_end")
	flag.StringVar(&script, "texts", "", "'|' separated messages replacing the built-in script")
	flag.BoolVar(&opts.quiet, "quiet", false, "print only the summary")
	flag.Parse()

	opts, err := normalize(opts, script)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func normalize(opts options, script string) (options, error) {
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	switch {
	case opts.baseURL == "":
		return options{}, errors.New("base-url is required")
	case opts.turns <= 0:
		return options{}, errors.New("turns must be positive")
	}
	opts.warmup = max(opts.warmup, 0)
	opts.pause = max(opts.pause, 0)
	opts.deadline = max(opts.deadline, time.Second)

	if strings.TrimSpace(script) == "" {
		opts.texts = slices.Clone(defaultScript)
		return opts, nil
	}
	opts.texts = nil
	for _, line := range strings.Split(script, "|") {
		if line = strings.TrimSpace(line); line != "" {
			opts.texts = append(opts.texts, line)
		}
	}
	if len(opts.texts) == 0 {
		return options{}, errors.New("texts contains no messages")
	}
	return opts, nil
}

func run(opts options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := openSession(ctx, client, opts.baseURL, opts.userID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer closeSession(client, opts.baseURL, sessionID)

	target, err := chatSocketURL(opts.baseURL, sessionID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	logf := func(format string, args ...any) {
		if !opts.quiet {
			fmt.Fprintf(out, "perfchat: "+format+"\n", args...)
		}
	}
	logf("session=%s turns=%d", sessionID, opts.turns)
	time.Sleep(opts.warmup)

	events := make(chan event, 32)
	readErr := make(chan error, 1)
	go pump(conn, events, readErr, logf)

	samples := make([]turnSample, 0, opts.turns)
	for i := range opts.turns {
		text := opts.texts[i%len(opts.texts)]
		sent := time.Now()
		err := conn.WriteJSON(protocol.ChatMessage{
			Type:        protocol.TypeChatMessage,
			SessionID:   sessionID,
			Text:        text,
			ClientMsgID: fmt.Sprintf("perf-%d", i+1),
			TSMs:        sent.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("turn %d: send: %w", i+1, err)
		}
		sample, err := awaitTurn(events, readErr, sent, opts.deadline)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		sample.text = text
		samples = append(samples, sample)
		logf("turn %d/%d route=%s risk=%s reply=%s end=%s", i+1, opts.turns,
			sample.route, sample.risk, sample.reply.Round(time.Millisecond), sample.end.Round(time.Millisecond))
		if i < opts.turns-1 {
			time.Sleep(opts.pause)
		}
	}

	printSummary(out, samples)
	return nil
}

func openSession(ctx context.Context, client *http.Client, baseURL, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, bytes.TrimSpace(raw))
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", err
	}
	if created.SessionID == "" {
		return "", errors.New("response has no session_id")
	}
	return created.SessionID, nil
}

// closeSession is best effort; the server also expires idle sessions.
func closeSession(client *http.Client, baseURL, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return
	}
	if res, err := client.Do(req); err == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}

func chatSocketURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base-url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base-url scheme %q is not http(s)", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("base-url has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	u.RawQuery = url.Values{"session_id": {sessionID}}.Encode()
	return u.String(), nil
}

// pump forwards reply and turn-end events until the connection fails.
func pump(conn *websocket.Conn, events chan<- event, readErr chan<- error, logf func(string, ...any)) {
	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			readErr <- err
			return
		}
		switch ev.Type {
		case protocol.TypeAssistantReply, protocol.TypeAssistantTurnEnd:
			events <- ev
		case protocol.TypeErrorEvent:
			logf("error_event code=%s detail=%s", ev.Code, ev.Detail)
		}
	}
}

func awaitTurn(events <-chan event, readErr <-chan error, sent time.Time, limit time.Duration) (turnSample, error) {
	timeout := time.After(limit)
	var s turnSample
	for {
		select {
		case ev := <-events:
			if ev.Type == protocol.TypeAssistantReply {
				s.reply, s.route, s.risk = time.Since(sent), ev.Route, ev.RiskLevel
				continue
			}
			s.end, s.reason = time.Since(sent), ev.Reason
			return s, nil
		case err := <-readErr:
			return s, fmt.Errorf("connection lost: %w", err)
		case <-timeout:
			return s, fmt.Errorf("no assistant_turn_end within %s", limit)
		}
	}
}

func printSummary(out io.Writer, samples []turnSample) {
	if len(samples) == 0 {
		return
	}
	ends := make([]float64, len(samples))
	incomplete := 0
	for i, s := range samples {
		ends[i] = float64(s.end.Microseconds()) / 1000
		if s.reason != "completed" {
			incomplete++
		}
	}
	slices.Sort(ends)
	fmt.Fprintf(out, "perfchat: turns=%d not_completed=%d p50=%.1fms p95=%.1fms max=%.1fms\n",
		len(samples), incomplete, percentile(ends, 0.50), percentile(ends, 0.95), ends[len(ends)-1])
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted)) + 0.5)
	return sorted[min(max(rank-1, 0), len(sorted)-1)]
}
