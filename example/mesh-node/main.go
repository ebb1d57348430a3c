// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Mesh Node Example - Runs a LAN mesh node with an interactive console
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/destiny/lanmesh"
	"github.com/destiny/lanmesh/config"
	"github.com/destiny/lanmesh/conversation"
	"github.com/destiny/lanmesh/llm"
	"github.com/destiny/lanmesh/store"
)

var (
	peers    = flag.String("peer", "", "Comma-separated peer addresses to dial at startup")
	share    = flag.String("share", "", "File to share with every peer once connected")
	noLLM    = flag.Bool("no-llm", false, "Never offer the local LLM to peers")
	dataDir  = flag.String("data", "", "Data directory (overrides LANMESH_DATA_DIR)")
	logLevel = flag.String("log-level", "", "Log level: error, warn, info, debug, trace")
	noDisc   = flag.Bool("no-discovery", false, "Disable UDP discovery")
)

type console struct {
	node  *lanmesh.Node
	store *store.FS
	convs *conversation.Registry
	host  conversation.HostInfo
}

func main() {
	flag.Parse()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		if cfg.LogLevel, err = lanmesh.ParseLogLevel(*logLevel); err != nil {
			log.Fatal(err)
		}
	}
	cfg.Node.DisableDiscovery = *noDisc
	logger := lanmesh.NewLogger(os.Stderr, cfg.LogLevel)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	var prober lanmesh.LLMProber = llm.Static(false)
	if !*noLLM {
		prober, err = llm.NewProber(logger.With("component", "llm"), cfg.OllamaURL)
		if err != nil {
			log.Fatalf("Failed to create LLM prober: %v", err)
		}
	}

	hostname, _ := os.Hostname()
	secret, src, err := config.LoadSecret(os.Getenv, filepath.Join(cfg.DataDir, cfg.SecretFile), hostname)
	if err != nil {
		log.Fatalf("Failed to load HMAC secret: %v", err)
	}
	fmt.Printf("HMAC secret loaded from %s\n", src)
	if src == config.SecretGenerated {
		fmt.Printf("Copy %s to the other nodes so they trust this node's files\n", filepath.Join(cfg.DataDir, cfg.SecretFile))
	}

	node := lanmesh.NewNode(logger, cfg.Node, st, prober)
	node.SetSecret(secret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer node.Stop()

	fmt.Println("=== LAN Mesh Node ===")
	fmt.Printf("Listening on %s as %s\n", node.Addr(), node.Config().PeerName)

	c := &console{
		node:  node,
		store: st,
		convs: conversation.NewRegistry(),
		host: conversation.HostInfo{
			Hostname:  hostname,
			IsLLMHost: node.LocalLLMReachable(ctx),
		},
	}
	if ip, err := llm.OutboundIP(); err == nil {
		c.host.IPAddress = ip.String()
	}
	if local, err := st.LocalConversation(ctx); err == nil && local != nil {
		c.convs.SetLocal(local)
	}

	for _, addr := range strings.Split(*peers, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			node.Discover(addr)
		}
	}
	if *share != "" {
		go func() {
			// Give startup dials a moment to connect.
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			c.shareFile(ctx, *share, "")
		}()
	}

	fmt.Println("Type /help for commands")
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line != "" && !c.handleCommand(ctx, line) {
				fmt.Println("Goodbye!")
				return
			}
			fmt.Print("> ")
		}
	}
}

// handleCommand runs one console command and reports whether to keep going.
func (c *console) handleCommand(ctx context.Context, input string) bool {
	parts := strings.Fields(input)
	switch parts[0] {
	case "/help":
		printHelp()

	case "/quit", "/exit":
		return false

	case "/peers":
		connected := c.node.ConnectedPeers()
		fmt.Printf("Connected peers (%d):\n", len(connected))
		capable := c.node.CapablePeers()
		for _, addr := range connected {
			llmFlag := ""
			for _, a := range capable {
				if a == addr {
					llmFlag = " [llm]"
				}
			}
			fmt.Printf("  %s%s\n", addr, llmFlag)
		}

	case "/dial":
		if len(parts) < 2 {
			fmt.Println("Usage: /dial <address>")
			return true
		}
		if err := c.node.Dial(ctx, parts[1]); err != nil {
			fmt.Printf("Failed to dial %s: %v\n", parts[1], err)
		}

	case "/files":
		files := c.node.AnnouncedFiles()
		fmt.Printf("Announced files (%d):\n", len(files))
		for _, f := range files {
			state := "announced"
			if f.Received {
				state = "received"
			}
			fmt.Printf("  %s (%s, %d bytes) from %s - %s\n", f.Filename, f.Type, f.Size, f.Uploader, state)
		}

	case "/share":
		if len(parts) < 2 {
			fmt.Println("Usage: /share <path> [type]")
			return true
		}
		fileType := ""
		if len(parts) > 2 {
			fileType = parts[2]
		}
		c.shareFile(ctx, parts[1], fileType)

	case "/llm":
		fmt.Printf("Local LLM reachable: %v\n", c.node.LocalLLMReachable(ctx))
		for peer, e := range c.node.LLMRoutes() {
			fmt.Printf("  %s -> %s:%d\n", peer, e.Host, e.Port)
		}

	case "/say":
		if len(parts) < 2 {
			fmt.Println("Usage: /say <message>")
			return true
		}
		c.say(ctx, strings.Join(parts[1:], " "))

	case "/history":
		if local := c.convs.Local(); local != nil {
			printConversation("local", local)
		}
		for peer, conv := range c.node.PeerConversations() {
			printConversation(peer, conv)
		}

	default:
		fmt.Printf("Unknown command: %s\n", parts[0])
	}
	return true
}

func (c *console) shareFile(ctx context.Context, path, fileType string) {
	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Failed to read %s: %v\n", path, err)
		return
	}
	name := filepath.Base(path)
	if fileType == "" {
		fileType = mime.TypeByExtension(filepath.Ext(name))
	}
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	if err := c.store.SaveUpload(ctx, name, content); err != nil {
		fmt.Printf("Failed to store %s: %v\n", name, err)
		return
	}

	total := len(c.node.ConnectedPeers())
	bar := progressbar.Default(int64(total), "sharing "+name)
	res, err := c.node.BroadcastStoredFile(ctx, name, fileType, lanmesh.WithProgress(func(done, total int, peer string, err error) {
		_ = bar.Add(1)
	}))
	_ = bar.Finish()
	if err != nil {
		fmt.Printf("Failed to share %s: %v\n", name, err)
		return
	}
	fmt.Printf("Shared %s with %d peers\n", name, len(res.Sent))
	for peer, err := range res.Failed {
		fmt.Printf("  %s: %v\n", peer, err)
	}
}

func (c *console) say(ctx context.Context, text string) {
	conv := c.convs.AddLocalMessage(c.host, conversation.ChatMessage{
		Content:     text,
		Timestamp:   time.Now().UTC(),
		Sender:      c.host.Hostname,
		MessageType: conversation.Question,
		HostInfo:    c.host,
	})
	if err := c.store.SaveLocalConversation(ctx, conv); err != nil {
		fmt.Printf("Failed to save conversation: %v\n", err)
		return
	}
	fmt.Println("Saved; peers receive it on the next sync")
}

func printConversation(owner string, conv *conversation.Conversation) {
	fmt.Printf("%s (%d messages)\n", owner, len(conv.Messages))
	for _, m := range conv.Messages {
		fmt.Printf("  [%s] <%s> %s\n", m.Timestamp.Format("15:04:05"), m.Sender, m.Content)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /peers              List connected peers")
	fmt.Println("  /dial <address>     Connect to a peer now")
	fmt.Println("  /files              List files announced by peers")
	fmt.Println("  /share <path> [type] Share a file with every peer")
	fmt.Println("  /llm                Show LLM reachability and routes")
	fmt.Println("  /say <message>      Add a message to the local conversation")
	fmt.Println("  /history            Show the local conversation and those from peers")
	fmt.Println("  /quit               Exit")
}
