package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	token := flag.String("token", "", "bearer token expected by the gateway")
	listen := flag.Duration("listen", 5*time.Second, "how long to tail the feed")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required (contents of <home>/auth.token)")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *listen+10*time.Second)
	defer cancel()

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	fmt.Println("AUTH_CHECK bearer token accepted")

	// The feed is one-way and an idle daemon sends nothing, so a read
	// timeout here is not a failure.
	readCtx, readCancel := context.WithTimeout(ctx, *listen)
	defer readCancel()
	frames := 0
	for {
		var frame map[string]interface{}
		if err := wsjson.Read(readCtx, conn, &frame); err != nil {
			break
		}
		frames++
		fmt.Printf("<< %s\n", mustJSON(frame))
	}
	fmt.Printf("FRAMES %d within %v\n", frames, *listen)

	fmt.Println("VERDICT PASS")
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}
