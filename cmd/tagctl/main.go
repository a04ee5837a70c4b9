package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

// tagctl is the owner-side companion for trackerd: register an identity,
// request a ring, and read back the latest decrypted location.
//
//	tagctl -addr http://localhost:8680 -token $TOKEN register <eid>
//	tagctl -addr ... -token ... ring <eid> [-duration 5000] [-format json]
//	tagctl -addr ... -token ... locate <eid>
//	tagctl -addr ... -token ... devices

func usage() {
	fmt.Fprintf(os.Stderr, "usage: tagctl [-addr URL] [-token TOKEN] <register|ring|locate|devices> [args]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", "http://localhost:8680", "trackerd base URL")
	token := flag.String("token", os.Getenv("TAGCTL_TOKEN"), "bearer token (default $TAGCTL_TOKEN)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cli := &client{addr: *addr, token: *token, hc: &http.Client{Timeout: 15 * time.Second}}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "register":
		if len(args) != 1 {
			log.Fatal("register: need <eid>")
		}
		cli.post("/api/register", map[string]interface{}{"eid": args[0]})
	case "ring":
		fs := flag.NewFlagSet("ring", flag.ExitOnError)
		duration := fs.Int("duration", 5000, "buzz duration in milliseconds")
		format := fs.String("format", "json", "command encoding (json|text|binary)")
		if len(args) < 1 {
			log.Fatal("ring: need <eid>")
		}
		_ = fs.Parse(args[1:])
		cli.post("/api/ring", map[string]interface{}{
			"eid":         args[0],
			"duration_ms": *duration,
			"format":      *format,
		})
	case "locate":
		if len(args) != 1 {
			log.Fatal("locate: need <eid>")
		}
		cli.get("/api/locate?eid=" + url.QueryEscape(args[0]))
	case "devices":
		cli.get("/api/devices")
	default:
		usage()
	}
}

type client struct {
	addr  string
	token string
	hc    *http.Client
}

func (c *client) post(path string, body interface{}) {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.addr+path, bytes.NewReader(b))
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.do(req)
}

func (c *client) get(path string) {
	req, err := http.NewRequest(http.MethodGet, c.addr+path, nil)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	c.do(req)
}

func (c *client) do(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		os.Stdout.Write(raw)
	}
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}
