package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/astromechza/livedraw/pkg/accounts"
	"github.com/astromechza/livedraw/pkg/wire"
)

// maxHistoryPages bounds the history walk so a misbehaving server cannot loop the client forever.
const maxHistoryPages = 100000

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	flagSet := pflag.NewFlagSet("livedraw-client", pflag.ContinueOnError)
	addr := flagSet.String("addr", "127.0.0.1:8080", "the address to request on")
	username := flagSet.String("username", "", "sign in as this user; anonymous viewers only watch")
	password := flagSet.String("password", "", "password for --username")
	register := flagSet.Bool("register", false, "register --username before signing in")
	useCBOR := flagSet.Bool("cbor", false, "use the binary CBOR subprotocol")
	color := flagSet.String("color", "#1e90ff", "stroke colour")
	interval := flagSet.Duration("interval", 250*time.Millisecond, "time between strokes")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	baseUrl, err := url.Parse("http://" + *addr)
	if err != nil {
		return err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c := &client{baseUrl: baseUrl, jar: jar, http: &http.Client{Jar: jar, Timeout: 30 * time.Second}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := c.call(ctx, http.MethodGet, "me/", nil, nil); err != nil {
		return err
	}
	if *username != "" {
		path := "login/"
		if *register {
			path = "register/"
		}
		body, err := c.call(ctx, http.MethodPost, path, nil, map[string]string{"username": *username, "password": *password})
		if err != nil {
			return err
		}
		slog.Info("signed in", "username", *username, "ink", body["ink"], "next_claim", body["next_claim"])
		if body, err := c.call(ctx, http.MethodPost, "claim-ink/", nil, nil); err != nil {
			slog.Error("failed to claim ink", "err", err)
		} else {
			slog.Info("claim", "success", body["success"], "ink", body["ink"], "next_claim", body["next_claim"])
		}
	}

	cursor, count, err := c.loadHistory(ctx)
	if err != nil {
		return err
	}
	slog.Info("loaded history", "strokes", count, "cursor", cursor)

	protocol := wire.SubprotocolJSON
	if *useCBOR {
		protocol = wire.SubprotocolCBOR
	}
	wsUrl := c.baseUrl.JoinPath("ws/drawing/")
	wsUrl.Scheme = "ws"
	wsUrl.RawQuery = url.Values{"since": {strconv.FormatUint(cursor, 10)}}.Encode()
	dialer := websocket.Dialer{Jar: jar, Subprotocols: []string{protocol}, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsUrl.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	codec := wire.ForSubprotocol(conn.Subprotocol())

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if err := readAndLog(conn, codec); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Error("failed to read", "err", err)
				}
				return
			}
		}
	}()

	if *username != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drawRandomly(ctx, conn, codec, *color, *interval)
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	wg.Wait()
	return nil
}

type client struct {
	baseUrl *url.URL
	jar     http.CookieJar
	http    *http.Client
}

func (c *client) csrfToken() string {
	for _, cookie := range c.jar.Cookies(c.baseUrl) {
		if cookie.Name == accounts.CSRFCookie {
			return cookie.Value
		}
	}
	return ""
}

func (c *client) call(ctx context.Context, method, path string, query url.Values, payload any) (map[string]any, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}
	u := c.baseUrl.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.csrfToken(); token != "" {
		req.Header.Set(accounts.CSRFHeader, token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return out, fmt.Errorf("%s %s: unexpected status code %d: %v", method, path, resp.StatusCode, out["error"])
	}
	return out, nil
}

// loadHistory walks the history pages and returns the last sequence seen.
func (c *client) loadHistory(ctx context.Context) (uint64, int, error) {
	var cursor uint64
	count := 0
	for page := 1; page <= maxHistoryPages; page++ {
		body, err := c.call(ctx, http.MethodGet, "drawing-data-chunks/", url.Values{"page": {strconv.Itoa(page)}}, nil)
		if err != nil {
			return 0, 0, err
		}
		data, _ := body["data"].([]any)
		count += len(data)
		if v, ok := body["cursor"].(float64); ok {
			cursor = uint64(v)
		}
		if hasNext, _ := body["has_next"].(bool); !hasNext {
			return cursor, count, nil
		}
	}
	return cursor, count, fmt.Errorf("history exceeded %d pages", maxHistoryPages)
}

func readAndLog(conn *websocket.Conn, codec wire.Codec) error {
	_, p, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var msg map[string]any
	if err := codec.Unmarshal(p, &msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	switch msg["type"] {
	case wire.TypeStroke:
		slog.Debug("stroke", "seq", msg["seq"], "author", msg["author"], "ink", msg["ink"])
	case wire.TypeError:
		slog.Warn("rejected", "error", msg["error"], "detail", msg["detail"])
	default:
		slog.Info("message", "msg", msg)
	}
	return nil
}

func drawRandomly(ctx context.Context, conn *websocket.Conn, codec wire.Codec, color string, interval time.Duration) {
	x, y := rand.Float64()*500, rand.Float64()*500
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			nx := min(max(x+rand.Float64()*20-10, 0), 1000)
			ny := min(max(y+rand.Float64()*20-10, 0), 1000)
			data, err := codec.Marshal(wire.ClientMessage{Type: wire.TypeStroke, PrevX: x, PrevY: y, CurrX: nx, CurrY: ny, Color: color})
			if err != nil {
				slog.Error("failed to encode stroke", "err", err)
				return
			}
			if err := conn.WriteMessage(codec.FrameType(), data); err != nil {
				slog.Error("failed to send stroke", "err", err)
				return
			}
			x, y = nx, ny
		case <-ctx.Done():
			slog.Info("stopping drawing")
			return
		}
	}
}
