// Command braidwire-client is an interactive chat client. With --e2e it
// layers end-to-end encrypted direct/group messages over the broadcast
// channel using /personal, /group, /all, /announce, and /users commands, in
// the shape of the reference run_e2e_cli loop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/braidwire/braidwire/client"
	"github.com/braidwire/braidwire/e2e"
	"github.com/braidwire/braidwire/handshake"
	"github.com/braidwire/braidwire/observability"
	"github.com/braidwire/braidwire/observability/prom"
)

func main() {
	var host string
	var port int
	var username string
	var alg string
	var useE2E bool
	var metricsListen string
	flag.StringVar(&host, "host", "127.0.0.1", "server host")
	flag.IntVar(&port, "port", 1234, "server port")
	flag.StringVar(&username, "username", "", "chat username (prompted if empty)")
	flag.StringVar(&alg, "alg", "plain", "handshake algorithm: plain or dh")
	flag.BoolVar(&useE2E, "e2e", false, "layer end-to-end encryption over the broadcast channel")
	flag.StringVar(&metricsListen, "metrics-listen", "", "Prometheus /metrics listen address (empty disables)")
	flag.Parse()

	obs := observability.Noop
	if metricsListen != "" {
		reg := prom.NewRegistry()
		obs = prom.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		go func() {
			_ = http.ListenAndServe(metricsListen, mux)
		}()
	}

	if username == "" {
		fmt.Print("Enter your Username: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		username = strings.TrimSpace(line)
	}

	var handshakeAlg handshake.Algorithm
	switch alg {
	case "dh", "dh_modp", "dhmp14":
		handshakeAlg = handshake.AlgDH
	default:
		handshakeAlg = handshake.AlgPlain
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := client.Connect(ctx, host, port, username, handshakeAlg, client.WithObserver(obs))
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer sess.Close()

	var mgr *e2e.Manager
	if useE2E {
		mgr, err = e2e.NewManager(sess, username, e2e.WithObserver(obs))
		if err != nil {
			fmt.Fprintln(os.Stderr, "e2e init failed:", err)
			os.Exit(1)
		}
		if err := mgr.Announce(); err != nil {
			fmt.Fprintln(os.Stderr, "announce failed:", err)
		}
	}

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go readLoop(sess, mgr, readDone)
	go writeLoop(sess, mgr, writeDone)

	select {
	case <-ctx.Done():
	case <-readDone:
	case <-writeDone:
	}
}

func readLoop(sess *client.Session, mgr *e2e.Manager, done chan<- struct{}) {
	defer close(done)
	for {
		line, err := sess.Recv(0)
		if err != nil {
			return
		}
		if mgr == nil {
			fmt.Println(line)
			continue
		}
		sender, payload, ok := splitSender(strings.TrimPrefix(line, "\n"))
		if !ok {
			fmt.Println(line)
			continue
		}
		handled, plaintext := mgr.HandleIncoming(sender, payload)
		if !handled {
			fmt.Println(line)
			continue
		}
		if plaintext != nil {
			fmt.Printf("\n%s [E2E] > %s\n", sender, *plaintext)
		}
	}
}

func splitSender(line string) (sender, payload string, ok bool) {
	const sep = " > "
	i := strings.Index(line, sep)
	if i == -1 {
		return "", line, false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+len(sep):]), true
}

func writeLoop(sess *client.Session, mgr *e2e.Manager, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if mgr == nil {
			if err := sess.Send(line); err != nil {
				return
			}
			continue
		}
		if err := dispatchE2ELine(sess, mgr, line); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func dispatchE2ELine(sess *client.Session, mgr *e2e.Manager, line string) error {
	switch {
	case strings.HasPrefix(line, "/personal "):
		rest := strings.TrimPrefix(line, "/personal ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /personal <user> <message>")
		}
		return mgr.SendPrivate(parts[1], []string{parts[0]})
	case strings.HasPrefix(line, "/group "):
		rest := strings.TrimPrefix(line, "/group ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /group <user1,user2,...> <message>")
		}
		var recips []string
		for _, u := range strings.Split(parts[0], ",") {
			if u = strings.TrimSpace(u); u != "" {
				recips = append(recips, u)
			}
		}
		return mgr.SendPrivate(parts[1], recips)
	case strings.HasPrefix(line, "/all "):
		msg := strings.TrimPrefix(line, "/all ")
		return mgr.SendPrivate(msg, mgr.Users())
	case strings.TrimSpace(line) == "/announce":
		return mgr.Announce()
	case strings.TrimSpace(line) == "/users":
		fmt.Println("Known users:", mgr.Users())
		return nil
	default:
		return sess.Send(line)
	}
}
