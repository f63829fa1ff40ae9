package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/sushant-115/gojotxn/core/security/internaltls"
	"github.com/sushant-115/gojotxn/internal/cluster"
	"github.com/sushant-115/gojotxn/pkg/shardclient"
)

var (
	routerAddr = flag.String("router", "localhost:27100", "Router gRPC address")
	database   = flag.String("db", "test", "Database commands run against")
	tlsDir     = flag.String("tls-dir", "", "Directory holding ca.crt, client.crt and client.key")
	timeout    = flag.Duration("timeout", 10*time.Second, "Per-command timeout")
)

func main() {
	flag.Parse()

	var files internaltls.Files
	if *tlsDir != "" {
		files = internaltls.InDir(*tlsDir, "client")
	}
	creds, err := cluster.ClientCredentials(files)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	conn, err := grpc.NewClient(*routerAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotxn> ",
		HistoryFile:     os.ExpandEnv("$HOME/.gojotxn_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("Connected to", *routerAddr, "- type help for commands")
	s := newSession()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "exit", "quit":
			return
		case "help":
			fmt.Println(usage)
			continue
		}

		cmd, err := s.build(line)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		if cmd == nil {
			if strings.HasPrefix(line, "begin") {
				fmt.Printf("transaction %d begins with the next statement\n", s.txnNumber)
			}
			continue
		}
		run(conn, cmd)
	}
}

func run(conn *grpc.ClientConn, cmd bson.D) {
	raw, err := bson.Marshal(cmd)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "x-app-name", "gojotxn_cli")

	reply, err := shardclient.Invoke(ctx, conn, shardclient.RouterServiceName, *database, raw)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(reply.String())
}
