// Package main provides a CLI client that starts or attaches to a run and
// tails its event stream over WebSocket.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/gateway"
)

// Client talks to the run API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g. http://localhost:8080.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateRun starts a run and returns its id.
func (c *Client) CreateRun(ctx context.Context, req domain.CreateRunRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/runs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create run: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var created domain.CreateRunResponse
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("unmarshal create response: %w", err)
	}
	return created.RunID, nil
}

// CancelRun asks the server to cancel runID.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/runs/"+url.PathEscape(runID)+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel run: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

// Tail prints the frames of runID after seq from until the stream ends and
// returns the stream_end reason.
func (c *Client) Tail(ctx context.Context, runID string, from int64, out io.Writer) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/runs/" + runID + "/ws"
	u.RawQuery = url.Values{"from": {strconv.FormatInt(from, 10)}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var f domain.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("read frame: %w", err)
		}

		if f.Event == domain.FrameEventStreamEnd {
			var end domain.StreamEndData
			if err := json.Unmarshal(f.Data, &end); err != nil {
				return "", fmt.Errorf("unmarshal stream_end: %w", err)
			}
			fmt.Fprintf(out, "%6d %-22s reason=%s\n", end.LastSeq, f.Event, end.Reason)
			return end.Reason, nil
		}
		if f.Event == string(domain.EventTypeHeartbeat) {
			continue
		}
		fmt.Fprintln(out, formatFrame(f))
	}
}

func formatFrame(f domain.Frame) string {
	var ev domain.TraceEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return fmt.Sprintf("%6d %-22s %s", f.ID, f.Event, string(f.Data))
	}
	progress := "     -"
	if ev.Progress != nil {
		progress = fmt.Sprintf("%5.1f%%", *ev.Progress)
	}
	return fmt.Sprintf("%6d %-22s %-13s %s %s", ev.Seq, ev.EventType, ev.Phase, progress, ev.Message)
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Run API base URL")
	prompt := flag.String("prompt", "", "Create a run with this prompt")
	runID := flag.String("run", "", "Attach to an existing run")
	from := flag.Int64("from", 0, "Resume after this seq")
	target := flag.Int("target", 0, "Target record count of a new run")
	cancelOnInterrupt := flag.Bool("cancel", false, "Cancel the run on interrupt")
	flag.Parse()

	log.SetFlags(log.Ltime)

	if (*prompt == "") == (*runID == "") {
		log.Fatalf("exactly one of -prompt and -run is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := NewClient(*addr)
	id := *runID
	if id == "" {
		var err error
		id, err = client.CreateRun(ctx, domain.CreateRunRequest{Prompt: *prompt, TargetCount: *target})
		if err != nil {
			log.Fatalf("Failed to create run: %v", err)
		}
		fmt.Printf("Created run %s\n", id)
	}

	reason, err := client.Tail(ctx, id, *from, os.Stdout)
	if errors.Is(err, context.Canceled) {
		if *cancelOnInterrupt {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.CancelRun(cctx, id); err != nil {
				log.Printf("Failed to cancel run: %v", err)
			} else {
				fmt.Printf("Cancelled run %s\n", id)
			}
		}
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Stream failed: %v", err)
	}
	if reason != gateway.ReasonCompleted {
		os.Exit(1)
	}
}
